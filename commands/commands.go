// Package commands defines the enumerated command types exchanged with the
// automation backend and their payload shapes.
package commands

// Command type names. A bridge handler is looked up by one of these.
const (
	TypeAddProduct       = "addProduct"
	TypeRemoveProduct    = "removeProduct"
	TypeSearchProduct    = "searchProduct"
	TypeClickElement     = "clickElement"
	TypeFillForm         = "fillForm"
	TypeSwipeTab         = "swipeTab"
	TypeUpdateUI         = "updateUI"
	TypeShowNotification = "showNotification"
	TypeNavigateTo       = "navigateTo"
)

// AddProduct creates a domain entity through the CRUD collaborator.
type AddProduct struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Category    string  `json:"category,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
}

// RemoveProduct deletes a domain entity by id.
type RemoveProduct struct {
	ProductID string `json:"productId"`
}

// SearchProduct queries the CRUD collaborator.
type SearchProduct struct {
	Query   string            `json:"query,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ClickElement interacts with a live UI element located by a structural
// selector, never by pixel coordinates.
type ClickElement struct {
	Selector    string `json:"selector"`
	ElementType string `json:"elementType,omitempty"`
}

// FillForm writes named field values into a form.
type FillForm struct {
	FormSelector string            `json:"formSelector,omitempty"`
	Fields       map[string]string `json:"fields"`
}

// SwipeTab switches the displayed tab.
type SwipeTab struct {
	TabName   string `json:"tabName"`
	Direction string `json:"direction,omitempty"`
}

// UpdateUI actions.
const (
	ActionShow    = "show"
	ActionHide    = "hide"
	ActionUpdate  = "update"
	ActionRefresh = "refresh"
)

// UpdateUI manipulates a named UI component.
type UpdateUI struct {
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
}

// ShowNotification displays a transient message.
type ShowNotification struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Duration int    `json:"duration,omitempty"`
}

// NavigateTo changes the displayed route.
type NavigateTo struct {
	Path    string `json:"path"`
	Replace bool   `json:"replace,omitempty"`
}

// Product is the domain entity managed by the CRUD collaborator.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Category    string  `json:"category,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
}

// SearchResult is the data shape returned by a searchProduct command.
type SearchResult struct {
	Products []Product `json:"products"`
	Total    int       `json:"total"`
}
