// Package offline stages mutations that could not reach the storefront API so
// they can be replayed once connectivity returns.
package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ActionType discriminates the payload of an offline action.
type ActionType string

const (
	ActionAddToCart      ActionType = "add_to_cart"
	ActionAddToFavorites ActionType = "add_to_favorites"
	ActionUpdateProfile  ActionType = "update_profile"
)

// Status is the replay state of an action. Actions move from pending to
// completed once and never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

var (
	// ErrUnknownActionType is returned when enqueuing a type with no payload schema.
	ErrUnknownActionType = errors.New("offline: unknown action type")

	// ErrInvalidPayload is returned when a payload fails to decode or validate.
	ErrInvalidPayload = errors.New("offline: invalid payload")

	// ErrActionNotFound is returned by Get when no action has the id.
	ErrActionNotFound = errors.New("offline: action not found")
)

// Action is a deferred mutation. Data is forwarded to the API unchanged.
type Action struct {
	ID             uint64          `json:"id"`
	Type           ActionType      `json:"type"`
	Data           json.RawMessage `json:"data"`
	Status         Status          `json:"status"`
	Timestamp      int64           `json:"timestamp"`
	CompletedAt    *int64          `json:"completedAt,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// Pending reports whether the action still awaits replay.
func (a Action) Pending() bool {
	return a.Status == StatusPending
}

// Payload is the typed body of an action.
type Payload interface {
	ActionType() ActionType
}

// AddToCart adds a product to the remote cart.
type AddToCart struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
	VariantID *int64 `json:"variant_id,omitempty" validate:"omitempty,gt=0"`
	StoreID   *int64 `json:"store_id,omitempty" validate:"omitempty,gt=0"`
}

func (AddToCart) ActionType() ActionType { return ActionAddToCart }

// AddToFavorites marks a product as a favorite.
type AddToFavorites struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
}

func (AddToFavorites) ActionType() ActionType { return ActionAddToFavorites }

// UpdateProfile changes account fields. At least one field must be set.
type UpdateProfile struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Email  *string `json:"email,omitempty" validate:"omitempty,email"`
	Phone  *string `json:"phone,omitempty" validate:"omitempty,min=3,max=32"`
	Avatar *string `json:"avatar,omitempty" validate:"omitempty,url"`
}

func (UpdateProfile) ActionType() ActionType { return ActionUpdateProfile }

func (p *UpdateProfile) check() error {
	if p.Name == nil && p.Email == nil && p.Phone == nil && p.Avatar == nil {
		return errors.New("at least one of name, email, phone or avatar is required")
	}
	return nil
}

// PayloadFactory returns a zero payload to decode into.
type PayloadFactory func() Payload

func builtinTypes() map[ActionType]PayloadFactory {
	return map[ActionType]PayloadFactory{
		ActionAddToCart:      func() Payload { return &AddToCart{} },
		ActionAddToFavorites: func() Payload { return &AddToFavorites{} },
		ActionUpdateProfile:  func() Payload { return &UpdateProfile{} },
	}
}

// decodePayload decodes data into the payload registered for t and validates it.
func decodePayload(types map[ActionType]PayloadFactory, t ActionType, data json.RawMessage) (Payload, error) {
	factory, ok := types[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	p := factory()

	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := validateStruct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p, nil
}
