package notes

import "github.com/google/uuid"

// IDProviderFunc adapts a function to the IDProvider interface.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, which sort by creation time.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}
