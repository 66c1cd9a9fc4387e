// Package softmodule provides an in-memory TrustModule for tests and
// development. It only does handle bookkeeping and blob fabrication; it
// performs no cryptography.
package softmodule

import (
	"sync"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/trustmod/tokencore/objects"
)

type SoftModule struct {
	sync.Mutex
	nextHandle uint
	loaded     map[uint][]byte // handle -> serialized context
	mechanisms map[uint]bool
}

func New() *SoftModule {
	return &SoftModule{
		loaded: make(map[uint][]byte),
		mechanisms: map[uint]bool{
			pkcs11.CKM_RSA_PKCS:        true,
			pkcs11.CKM_SHA256_RSA_PKCS: true,
			pkcs11.CKM_SHA512_RSA_PKCS: true,
			pkcs11.CKM_SHA256:          true,
			pkcs11.CKM_SHA512:          true,
		},
	}
}

func (module *SoftModule) Load(pub, priv, parent []byte) (uint, []byte, error) {
	if pub == nil {
		return 0, nil, objects.NewError("SoftModule.Load", "public blob cannot be nil", pkcs11.CKR_ARGUMENTS_BAD)
	}
	module.Lock()
	defer module.Unlock()
	module.nextHandle++
	handle := module.nextHandle
	serialized := []byte("softctx-" + uuid.New().String())
	module.loaded[handle] = serialized
	return handle, serialized, nil
}

func (module *SoftModule) Unload(handle uint) error {
	module.Lock()
	defer module.Unlock()
	if _, ok := module.loaded[handle]; !ok {
		return objects.NewError("SoftModule.Unload", "handle not loaded", pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	delete(module.loaded, handle)
	return nil
}

func (module *SoftModule) Import(name string, secret []byte) ([]byte, []byte, error) {
	if name == "" {
		return nil, nil, objects.NewError("SoftModule.Import", "key name cannot be empty", pkcs11.CKR_ARGUMENTS_BAD)
	}
	pub := []byte("soft-pub-" + name)
	priv := []byte("soft-priv-" + name)
	return pub, priv, nil
}

func (module *SoftModule) IsMechanismSupported(tobj *objects.TokenObject, mech *objects.Mechanism) error {
	if mech == nil {
		return objects.NewError("SoftModule.IsMechanismSupported", "got nil mechanism", pkcs11.CKR_ARGUMENTS_BAD)
	}
	if !module.mechanisms[mech.Type] {
		return objects.NewError("SoftModule.IsMechanismSupported", "mechanism not supported", pkcs11.CKR_MECHANISM_INVALID)
	}
	return nil
}

func (module *SoftModule) MinBufferSize(tobj *objects.TokenObject, mech *objects.Mechanism) (int, error) {
	if err := module.IsMechanismSupported(tobj, mech); err != nil {
		return 0, err
	}
	if tobj != nil && len(tobj.Pub) > 0 {
		return len(tobj.Pub), nil
	}
	return 256, nil
}

// LoadedCount reports how many handles are currently loaded.
func (module *SoftModule) LoadedCount() int {
	module.Lock()
	defer module.Unlock()
	return len(module.loaded)
}
