package handlers

import (
	"context"
	"fmt"
	"sync"
)

// Element is one addressable UI element in the headless state.
type Element struct {
	Type    string
	Visible bool
	Clicks  int
	Value   string
}

// Notification is one transient message shown to the user.
type Notification struct {
	Message  string
	Level    string
	Duration int
}

// UIState is an in-memory UIController for headless operation and tests.
// It tracks elements, form values, the active tab, the route history, and
// shown notifications.
type UIState struct {
	mu            sync.Mutex
	elements      map[string]*Element
	forms         map[string]map[string]string
	activeTab     string
	routes        []string
	notifications []Notification
	components    map[string]string // component -> last action
}

// NewUIState constructs an empty headless UI.
func NewUIState() *UIState {
	return &UIState{
		elements:   make(map[string]*Element),
		forms:      make(map[string]map[string]string),
		components: make(map[string]string),
		routes:     []string{"/"},
	}
}

// AddElement registers an element under a selector so commands can target
// it.
func (u *UIState) AddElement(selector, elementType string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.elements[selector] = &Element{Type: elementType, Visible: true}
}

// Click increments the click count of the matched element. Failure when no
// element matches the selector.
func (u *UIState) Click(_ context.Context, selector, elementType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	el, ok := u.elements[selector]
	if !ok {
		return fmt.Errorf("Element not found: %s", selector)
	}
	if elementType != "" && el.Type != "" && el.Type != elementType {
		return fmt.Errorf("Element %s is %s, not %s", selector, el.Type, elementType)
	}
	el.Clicks++
	return nil
}

// FillForm stores the field values under the form selector and returns how
// many fields were written.
func (u *UIState) FillForm(_ context.Context, formSelector string, fields map[string]string) (int, error) {
	if formSelector == "" {
		formSelector = "form"
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	form, ok := u.forms[formSelector]
	if !ok {
		form = make(map[string]string)
		u.forms[formSelector] = form
	}
	for name, value := range fields {
		form[name] = value
	}
	return len(fields), nil
}

// SwipeTab switches the active tab.
func (u *UIState) SwipeTab(_ context.Context, tabName, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.activeTab = tabName
	return nil
}

// UpdateComponent records the last action applied to a component and flips
// visibility for show/hide when the component is a known element.
func (u *UIState) UpdateComponent(_ context.Context, component, action string, _ map[string]any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.components[component] = action
	if el, ok := u.elements[component]; ok {
		switch action {
		case "show":
			el.Visible = true
		case "hide":
			el.Visible = false
		}
	}
	return nil
}

// Notify appends a transient message.
func (u *UIState) Notify(_ context.Context, message, level string, durationMillis int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notifications = append(u.notifications, Notification{
		Message:  message,
		Level:    level,
		Duration: durationMillis,
	})
	return nil
}

// Navigate appends to or replaces the top of the route history.
func (u *UIState) Navigate(_ context.Context, path string, replace bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if replace && len(u.routes) > 0 {
		u.routes[len(u.routes)-1] = path
		return nil
	}
	u.routes = append(u.routes, path)
	return nil
}

// CurrentRoute returns the displayed route.
func (u *UIState) CurrentRoute() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.routes) == 0 {
		return ""
	}
	return u.routes[len(u.routes)-1]
}

// ActiveTab returns the currently selected tab.
func (u *UIState) ActiveTab() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.activeTab
}

// Clicks returns how often the selector has been clicked.
func (u *UIState) Clicks(selector string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if el, ok := u.elements[selector]; ok {
		return el.Clicks
	}
	return 0
}

// FormValue returns one stored form field value.
func (u *UIState) FormValue(formSelector, field string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	form, ok := u.forms[formSelector]
	if !ok {
		return "", false
	}
	v, ok := form[field]
	return v, ok
}

// Notifications returns a copy of all shown notifications.
func (u *UIState) Notifications() []Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Notification, len(u.notifications))
	copy(out, u.notifications)
	return out
}

// ComponentAction returns the last action applied to a component.
func (u *UIState) ComponentAction(component string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a, ok := u.components[component]
	return a, ok
}
