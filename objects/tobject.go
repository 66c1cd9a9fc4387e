package objects

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/pkcs11"
	"github.com/plan-systems/klog"
)

// Vendor attribute types mirroring the convenience fields of a TokenObject.
// The wrapped authorization secret is stored under AttrTypeModuleAuth but is
// never served by attribute queries.
const (
	AttrTypeModulePub  = pkcs11.CKA_VENDOR_DEFINED + 1
	AttrTypeModulePriv = pkcs11.CKA_VENDOR_DEFINED + 2
	AttrTypeModuleAuth = pkcs11.CKA_VENDOR_DEFINED + 3
	AttrTypeKeyName    = pkcs11.CKA_VENDOR_DEFINED + 4
)

// A TokenObject is an addressable object of the token whose key material is
// resident in the trust module. The Pub, Priv and ObjAuth fields are
// convenience copies; the authoritative values live in Attributes.
type TokenObject struct {
	Id     uint // dense internal id, backend bookkeeping only
	Handle uint // the handle visible to callers

	Pub     []byte // public trust-module blob
	Priv    []byte // private trust-module blob, may be nil
	ObjAuth []byte // wrapped authorization secret

	Attributes Attributes

	// LinkTarget holds the internal id of the public counterpart when this
	// object is only a link to it. Zero means standalone.
	LinkTarget uint

	// UnsealedAuth is populated only between a successful context-specific
	// authentication and logout. It is never persisted.
	UnsealedAuth []byte

	LoadedHandle  uint   // transient trust-module handle, 0 while unloaded
	SerializedCtx []byte // serialized loaded context, allows reload without re-derivation

	token *Token // registry this object lives in, set by Token.AddObject

	mutex     sync.Mutex
	active    uint // in-flight operations currently using this object
	destroyed bool
}

func NewTokenObject() *TokenObject {
	return &TokenObject{
		Attributes: make(Attributes, 0),
	}
}

// SetBlobData sets the private and public trust-module blob fields via deep
// copy, so the caller keeps ownership of both buffers. The public portion
// cannot be nil; the private portion may be (pure public objects).
func (tobj *TokenObject) SetBlobData(pub, priv []byte) error {
	if tobj == nil {
		return NewError("TokenObject.SetBlobData", "got nil object", pkcs11.CKR_GENERAL_ERROR)
	}
	if pub == nil {
		return NewError("TokenObject.SetBlobData", "public blob cannot be nil", pkcs11.CKR_ARGUMENTS_BAD)
	}
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	tobj.Pub = dupBytes(pub)
	tobj.Attributes.Set(&Attribute{AttrTypeModulePub, pub})
	if priv != nil {
		tobj.Priv = dupBytes(priv)
		tobj.Attributes.Set(&Attribute{AttrTypeModulePriv, priv})
	}
	return nil
}

// SetAuth sets the authorization secrets via deep copy: authPlain as the
// transient unsealed value and authWrapped as the at-rest wrapped value. The
// caller keeps ownership of both buffers.
func (tobj *TokenObject) SetAuth(authPlain, authWrapped []byte) error {
	if tobj == nil {
		return NewError("TokenObject.SetAuth", "got nil object", pkcs11.CKR_GENERAL_ERROR)
	}
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	tobj.UnsealedAuth = dupBytes(authPlain)
	tobj.ObjAuth = dupBytes(authWrapped)
	tobj.Attributes.Set(&Attribute{AttrTypeModuleAuth, authWrapped})
	return nil
}

// SetHandle caches the transient trust-module handle of a loaded object.
func (tobj *TokenObject) SetHandle(loadedHandle uint) {
	tobj.LoadedHandle = loadedHandle
}

// SetId sets the internal id.
func (tobj *TokenObject) SetId(id uint) {
	tobj.Id = id
}

// IsAuthenticated is true exactly while an unsealed auth value is held.
func (tobj *TokenObject) IsAuthenticated() bool {
	return len(tobj.UnsealedAuth) > 0
}

// Authenticate installs the unsealed authorization value after a successful
// context-specific login.
func (tobj *TokenObject) Authenticate(unsealed []byte) {
	tobj.UnsealedAuth = dupBytes(unsealed)
}

// Unauthenticate erases the unsealed authorization value.
func (tobj *TokenObject) Unauthenticate() {
	eraseBytes(tobj.UnsealedAuth)
	tobj.UnsealedAuth = nil
}

// SetAttribute stores attr in the object's attributes under the object lock,
// so concurrent sessions reading the object never observe a partial write.
func (tobj *TokenObject) SetAttribute(attr *Attribute) {
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	tobj.Attributes.Set(attr)
}

// CopyAttributes returns a deep copy of the object's own attributes, taken
// under the object lock. Readers that outlive the lock go through here instead
// of touching Attributes directly.
func (tobj *TokenObject) CopyAttributes() Attributes {
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	return tobj.Attributes.Copy()
}

// Attrs returns a point-in-time copy of the attributes of tobj. If tobj is a
// link to another object, it follows the link and returns the public
// attributes of the target, as the link object is the public-facing identity.
func (tobj *TokenObject) Attrs() Attributes {
	tobj.mutex.Lock()
	linkTarget, registry := tobj.LinkTarget, tobj.token
	tobj.mutex.Unlock()
	if linkTarget == 0 || registry == nil {
		return tobj.CopyAttributes()
	}
	target, err := registry.GetObjectById(linkTarget)
	if err != nil {
		klog.Warningf("token object %d links to missing object %d", tobj.Id, linkTarget)
		return tobj.CopyAttributes()
	}
	return target.CopyAttributes()
}

// Equals returns true if the token objects hold the same identity and attributes.
func (tobj *TokenObject) Equals(tobj2 *TokenObject) bool {
	return tobj.Id == tobj2.Id &&
		tobj.Handle == tobj2.Handle &&
		tobj.Attributes.Equals(tobj2.Attributes)
}

// ActiveUsers returns the number of in-flight operations using the object.
func (tobj *TokenObject) ActiveUsers() uint {
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	return tobj.active
}

// UserIncrement marks tobj as in use by an operation. Calling it with a nil
// or destroyed object is a caller contract violation and returns
// CKR_GENERAL_ERROR with a UsageFault attached.
func (tobj *TokenObject) UserIncrement() error {
	if tobj == nil {
		return usageFault("UserIncrement", 0, "nil object")
	}
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	if tobj.destroyed {
		return usageFault("UserIncrement", tobj.Id, "object already destroyed")
	}
	tobj.active++
	return nil
}

// UserDecrement marks tobj as no longer in use by an operation. Decrementing
// below zero is a double release; the count stays at zero and the call fails
// with CKR_GENERAL_ERROR carrying a UsageFault.
func (tobj *TokenObject) UserDecrement() error {
	if tobj == nil {
		return usageFault("UserDecrement", 0, "nil object")
	}
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	if tobj.active == 0 {
		return usageFault("UserDecrement", tobj.Id, "usage count already zero")
	}
	tobj.active--
	return nil
}

// usageFault logs the violation with the caller's caller as the reported call
// site, standing in for the original's __FILE__/__LINE__ capture.
func usageFault(op string, id uint, description string) error {
	klog.ErrorDepth(2, fmt.Sprintf("TokenObject.%s: %s (object %d)", op, description, id))
	err := NewError("TokenObject."+op, description, pkcs11.CKR_GENERAL_ERROR)
	err.Fault = &UsageFault{
		Op:       op,
		ObjectID: id,
		When:     time.Now(),
	}
	return err
}

// Load materializes the object inside the trust module, caching the returned
// transient handle and serialized context. Repeated calls while loaded return
// the cached handle.
func (tobj *TokenObject) Load(module TrustModule, parent []byte) (uint, error) {
	if module == nil {
		return 0, NewError("TokenObject.Load", "trust module not available", pkcs11.CKR_DEVICE_ERROR)
	}
	if tobj.LoadedHandle != 0 {
		return tobj.LoadedHandle, nil
	}
	handle, serialized, err := module.Load(tobj.Pub, tobj.Priv, parent)
	if err != nil {
		return 0, err
	}
	tobj.LoadedHandle = handle
	tobj.SerializedCtx = serialized
	klog.V(2).Infof("token object %d loaded as module handle %d", tobj.Id, handle)
	return handle, nil
}

// Unload evicts the object from the trust module. The serialized context is
// kept so a later Load does not re-derive key material.
func (tobj *TokenObject) Unload(module TrustModule) error {
	if tobj.LoadedHandle == 0 {
		return nil
	}
	if module == nil {
		return NewError("TokenObject.Unload", "trust module not available", pkcs11.CKR_DEVICE_ERROR)
	}
	if err := module.Unload(tobj.LoadedHandle); err != nil {
		return err
	}
	tobj.LoadedHandle = 0
	return nil
}

// free releases all owned buffers, erasing the secret-bearing ones first.
// Safe to call on a nil or already freed object.
func (tobj *TokenObject) free() {
	if tobj == nil {
		return
	}
	tobj.mutex.Lock()
	defer tobj.mutex.Unlock()
	eraseBytes(tobj.UnsealedAuth)
	eraseBytes(tobj.ObjAuth)
	eraseBytes(tobj.Priv)
	eraseBytes(tobj.SerializedCtx)
	for _, attribute := range tobj.Attributes {
		switch attribute.Type {
		case AttrTypeModuleAuth, AttrTypeModulePriv, pkcs11.CKA_VALUE:
			eraseBytes(attribute.Value)
		}
	}
	tobj.UnsealedAuth = nil
	tobj.ObjAuth = nil
	tobj.Pub = nil
	tobj.Priv = nil
	tobj.SerializedCtx = nil
	tobj.Attributes = nil
	tobj.token = nil
}
