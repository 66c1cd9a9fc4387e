package core

import (
	"github.com/miekg/pkcs11"

	"github.com/trustmod/tokencore/objects"
)

// NewApplication builds a fully wired token domain from the configuration:
// storage, trust module, one slot per configured label with its token loaded
// from storage and its id counters seeded above everything persisted.
func NewApplication() (app *objects.Application, err error) {
	config, err := GetConfig()
	if err != nil {
		return
	}
	db, err := NewDatabase(config.Provider.DatabaseType)
	if err != nil {
		err = objects.NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
		return
	}
	if err = db.InitStorage(); err != nil {
		err = objects.NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
		return
	}

	module, err := NewTrustModule(config.Module.Type)
	if err != nil {
		err = objects.NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
		return
	}

	maxId, maxHandle, err := db.GetMaxIds()
	if err != nil {
		err = objects.NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
		return
	}

	slots := make([]*objects.Slot, len(config.Provider.Slots))
	app = &objects.Application{
		Database:    db,
		Module:      module,
		Initializer: objects.NoopInitializer{},
		Slots:       slots,
	}

	for i, slotConf := range config.Provider.Slots {
		slot := &objects.Slot{
			ID:          uint(i),
			Application: app,
			Sessions:    make(objects.Sessions),
		}
		var token *objects.Token
		token, err = db.GetToken(slotConf.Label)
		if err != nil {
			err = objects.NewError("NewApplication", err.Error(), pkcs11.CKR_DEVICE_ERROR)
			return
		}
		token.SetIdFloor(uint(maxId), uint(maxHandle))
		slot.InsertToken(token)
		slots[i] = slot
	}

	return
}
