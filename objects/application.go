package objects

import (
	"github.com/miekg/pkcs11"
)

// Application ties together the persistent store, the trust module, the
// creation hook and the slots. One Application instance is one open token
// domain; there is no implicit process-wide state.
type Application struct {
	Database    TokenStorage
	Module      TrustModule
	Initializer ObjectInitializer
	Slots       []*Slot
}

func (app *Application) GetSessionSlot(handle uint) (*Slot, error) {
	for _, slot := range app.Slots {
		if slot.HasSession(handle) {
			return slot, nil
		}
	}
	return nil, NewError("Application.GetSessionSlot", "session not found", pkcs11.CKR_SESSION_HANDLE_INVALID)
}

func (app *Application) GetSession(handle uint) (*Session, error) {
	slot, err := app.GetSessionSlot(handle)
	if err != nil {
		return nil, err
	}
	return slot.GetSession(handle)
}

func (app *Application) GetSlot(id uint) (*Slot, error) {
	if int(id) >= len(app.Slots) {
		return nil, NewError("Application.GetSlot", "index out of bounds", pkcs11.CKR_SLOT_ID_INVALID)
	}
	return app.Slots[int(id)], nil
}
