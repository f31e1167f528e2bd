// Package handlers provides the built-in command handlers that execute
// remotely issued commands against the live application: product operations
// delegate to the CRUD collaborator, UI operations drive a UIController.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/autobridge/autobridge/bridge"
	"github.com/autobridge/autobridge/commands"
	"github.com/autobridge/autobridge/crud"
)

// UIController abstracts the live UI surface the bridge manipulates.
// Implementations locate targets by structural selectors, never by pixel
// coordinates.
type UIController interface {
	Click(ctx context.Context, selector, elementType string) error
	FillForm(ctx context.Context, formSelector string, fields map[string]string) (int, error)
	SwipeTab(ctx context.Context, tabName, direction string) error
	UpdateComponent(ctx context.Context, component, action string, data map[string]any) error
	Notify(ctx context.Context, message, level string, durationMillis int) error
	Navigate(ctx context.Context, path string, replace bool) error
}

// Builtins returns handler registrations for every enumerated command type.
// Register the result on a bridge; individual entries can be replaced at
// runtime, last registration wins.
func Builtins(products crud.ProductService, ui UIController) []bridge.HandlerSpec {
	return []bridge.HandlerSpec{
		bridge.Handler(commands.TypeAddProduct, func(ctx context.Context, p *commands.AddProduct) (any, error) {
			if p.Name == "" {
				return nil, errors.New("missing product name")
			}
			return products.Create(ctx, *p)
		}),
		bridge.Handler(commands.TypeRemoveProduct, func(ctx context.Context, p *commands.RemoveProduct) (any, error) {
			if err := products.Remove(ctx, p.ProductID); err != nil {
				return nil, err
			}
			return map[string]any{"productId": p.ProductID}, nil
		}),
		bridge.Handler(commands.TypeSearchProduct, func(ctx context.Context, p *commands.SearchProduct) (any, error) {
			return products.Search(ctx, p.Query, p.Filters)
		}),
		bridge.Handler(commands.TypeClickElement, func(ctx context.Context, p *commands.ClickElement) (any, error) {
			if p.Selector == "" {
				return nil, errors.New("missing selector")
			}
			if err := ui.Click(ctx, p.Selector, p.ElementType); err != nil {
				return nil, err
			}
			return map[string]any{"clicked": p.Selector}, nil
		}),
		bridge.Handler(commands.TypeFillForm, func(ctx context.Context, p *commands.FillForm) (any, error) {
			if len(p.Fields) == 0 {
				return nil, errors.New("no fields to fill")
			}
			n, err := ui.FillForm(ctx, p.FormSelector, p.Fields)
			if err != nil {
				return nil, err
			}
			return map[string]any{"filled": n}, nil
		}),
		bridge.Handler(commands.TypeSwipeTab, func(ctx context.Context, p *commands.SwipeTab) (any, error) {
			if p.TabName == "" {
				return nil, errors.New("missing tab name")
			}
			if err := ui.SwipeTab(ctx, p.TabName, p.Direction); err != nil {
				return nil, err
			}
			return map[string]any{"tab": p.TabName}, nil
		}),
		bridge.Handler(commands.TypeUpdateUI, func(ctx context.Context, p *commands.UpdateUI) (any, error) {
			switch p.Action {
			case commands.ActionShow, commands.ActionHide, commands.ActionUpdate, commands.ActionRefresh:
			default:
				return nil, fmt.Errorf("unknown updateUI action: %s", p.Action)
			}
			if err := ui.UpdateComponent(ctx, p.Component, p.Action, p.Data); err != nil {
				return nil, err
			}
			return map[string]any{"component": p.Component, "action": p.Action}, nil
		}),
		bridge.Handler(commands.TypeShowNotification, func(ctx context.Context, p *commands.ShowNotification) (any, error) {
			if err := ui.Notify(ctx, p.Message, p.Type, p.Duration); err != nil {
				return nil, err
			}
			return map[string]any{"shown": true}, nil
		}),
		bridge.Handler(commands.TypeNavigateTo, func(ctx context.Context, p *commands.NavigateTo) (any, error) {
			if p.Path == "" {
				return nil, errors.New("missing path")
			}
			if err := ui.Navigate(ctx, p.Path, p.Replace); err != nil {
				return nil, err
			}
			return map[string]any{"path": p.Path}, nil
		}),
	}
}
