package objects

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/miekg/pkcs11"
	"github.com/plan-systems/klog"
)

// A Session is the per-caller context of the token. The object-search state
// machine lives here and is owned exclusively by the session; only the walk
// over the live object set shares the registry lock.
type Session struct {
	sync.Mutex
	Slot   *Slot
	Handle uint
	flags  uint

	refreshedToken bool
	// finding things
	findInitialized bool
	findTemplate    Attributes
	foundObjects    []uint
}

type Sessions map[uint]*Session

// Session states as defined by PKCS#11 v2.40. The pkcs11 wrapper does not
// export the CKS_* family, so the values are carried here.
const (
	CKS_RO_PUBLIC_SESSION uint = 0
	CKS_RO_USER_FUNCTIONS uint = 1
	CKS_RW_PUBLIC_SESSION uint = 2
	CKS_RW_USER_FUNCTIONS uint = 3
	CKS_RW_SO_FUNCTIONS   uint = 4
)

var sessionHandleNext uint64

func NewSession(flags uint, currentSlot *Slot) *Session {
	return &Session{
		Slot:   currentSlot,
		Handle: uint(atomic.AddUint64(&sessionHandleNext, 1)),
		flags:  flags,
	}
}

func (session *Session) GetHandle() uint {
	return session.Handle
}

func (session *Session) GetCurrentSlot() *Slot {
	return session.Slot
}

// CreateObject runs the creation pipeline: template validation, object
// build, identity assignment, the pluggable initialization hook, registration
// and persistence. Registration is all-or-nothing: a failing hook or a
// failing save leaves no trace of the object.
func (session *Session) CreateObject(attrs Attributes) (*TokenObject, error) {
	if attrs == nil {
		return nil, NewError("Session.CreateObject", "got nil template", pkcs11.CKR_ARGUMENTS_BAD)
	}
	if err := validateTemplate(attrs); err != nil {
		return nil, err
	}

	token, err := session.Slot.GetToken()
	if err != nil {
		return nil, err
	}

	isPrivate := true
	privAttr, err := attrs.GetAttributeByType(pkcs11.CKA_PRIVATE)
	if err == nil && len(privAttr.Value) > 0 {
		isPrivate = privAttr.Value[0] != 0
	}
	isToken := false
	tokenAttr, err := attrs.GetAttributeByType(pkcs11.CKA_TOKEN)
	if err == nil && len(tokenAttr.Value) > 0 {
		isToken = tokenAttr.Value[0] != 0
	}
	if session.isReadOnly() && isToken {
		return nil, NewError("Session.CreateObject", "token objects need a read-write session", pkcs11.CKR_SESSION_READ_ONLY)
	}
	if !GetUserAuthorization(session.GetState(), isToken, isPrivate, true) {
		return nil, NewError("Session.CreateObject", "user not logged in", pkcs11.CKR_USER_NOT_LOGGED_IN)
	}

	tobj := NewTokenObject()
	tobj.Attributes = attrs.Copy()
	id, handle := token.NextIds()
	tobj.SetId(id)
	tobj.Handle = handle

	initializer := session.getInitializer()
	if err := initializer.Initialize(session, tobj); err != nil {
		tobj.free()
		return nil, err
	}

	token.AddObject(tobj)
	if err := session.saveToken(token); err != nil {
		_ = token.DeleteObject(handle)
		return nil, err
	}
	return tobj, nil
}

// DestroyObject unregisters and frees the object behind the handle, refusing
// while any operation still uses it. A loaded object is evicted from the
// trust module first.
func (session *Session) DestroyObject(hObject uint) error {
	token, err := session.Slot.GetToken()
	if err != nil {
		return err
	}
	tobj, err := token.GetObject(hObject)
	if err != nil {
		return err
	}
	loadedHandle := tobj.LoadedHandle
	if err := token.DeleteObject(hObject); err != nil {
		return err
	}
	if loadedHandle != 0 {
		if module, err := session.GetModule(); err == nil {
			if err := module.Unload(loadedHandle); err != nil {
				klog.Warningf("unload of module handle %d failed: %v", loadedHandle, err)
			}
		}
	}
	return session.saveToken(token)
}

// FindObjectsInit starts a search over the live objects of the token. The
// match list is built eagerly, in registry insertion order.
func (session *Session) FindObjectsInit(attrs Attributes) error {
	if session.findInitialized {
		return NewError("Session.FindObjectsInit", "operation already initialized", pkcs11.CKR_OPERATION_ACTIVE)
	}
	token, err := session.GetCurrentSlot().GetToken()
	if err != nil {
		return err
	}

	// The walk over the live object set shares the registry lock, so link
	// objects are resolved through a local id map instead of Attrs(). The
	// snapshots keep the match free of concurrent attribute writes.
	token.Lock()
	byId := make(map[uint]Attributes, len(token.Objects))
	for _, tobj := range token.Objects {
		byId[tobj.Id] = tobj.CopyAttributes()
	}
	session.foundObjects = make([]uint, 0, len(token.Objects))
	for _, tobj := range token.Objects {
		matchAttrs := byId[tobj.Id]
		if tobj.LinkTarget != 0 {
			if linked, ok := byId[tobj.LinkTarget]; ok {
				matchAttrs = linked
			}
		}
		if matchAttrs.Match(attrs) {
			session.foundObjects = append(session.foundObjects, tobj.Handle)
		}
	}
	token.Unlock()

	// An empty result on an empty filter may mean another instance created
	// objects behind our back; reload the token once and retry.
	if len(attrs) == 0 && len(session.foundObjects) == 0 && !session.refreshedToken {
		session.refreshedToken = true
		slot := session.GetCurrentSlot()
		db := session.getDatabase()
		if db != nil {
			newToken, err := db.GetToken(token.Label)
			if err != nil {
				return NewError("Session.FindObjectsInit", err.Error(), pkcs11.CKR_DEVICE_ERROR)
			}
			newToken.CopyState(token)
			slot.InsertToken(newToken)
			return session.FindObjectsInit(attrs)
		}
	}

	session.findTemplate = attrs.Copy()
	session.findInitialized = true
	return nil
}

// FindObjects returns up to maxObjectCount handles from the current cursor.
// Once the cursor is exhausted it keeps returning an empty slice without error.
func (session *Session) FindObjects(maxObjectCount int) ([]uint, error) {
	if !session.findInitialized {
		return nil, NewError("Session.FindObjects", "operation not initialized", pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if maxObjectCount < 0 {
		maxObjectCount = 0
	}
	limit := len(session.foundObjects)
	if maxObjectCount < limit {
		limit = maxObjectCount
	}
	result := session.foundObjects[:limit]
	session.foundObjects = session.foundObjects[limit:]
	return result, nil
}

// FindObjectsFinal discards the cursor. Safe to call at any point of an
// active search.
func (session *Session) FindObjectsFinal() error {
	if !session.findInitialized {
		return NewError("Session.FindObjectsFinal", "operation not initialized", pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	session.findInitialized = false
	session.refreshedToken = false
	session.findTemplate = nil
	session.foundObjects = nil
	return nil
}

// GetObject returns the live object behind the handle.
func (session *Session) GetObject(handle uint) (*TokenObject, error) {
	token, err := session.Slot.GetToken()
	if err != nil {
		return nil, err
	}
	return token.GetObject(handle)
}

// GetAttributeValue reads the requested attribute types from the object
// behind the handle, following a link object to its public counterpart. The
// read is best effort: an unreadable entry gets a nil value and its error is
// remembered, while the remaining entries are still served. The first error
// is returned after the whole template was attempted.
func (session *Session) GetAttributeValue(hObject uint, templ Attributes) (Attributes, error) {
	tobj, err := session.GetObject(hObject)
	if err != nil {
		return nil, err
	}
	token, err := session.Slot.GetToken()
	if err != nil {
		return nil, err
	}

	attrs := tobj.Attrs()
	if isPrivateObject(attrs) && token.GetSecurityLevel() == Public {
		return nil, NewError("Session.GetAttributeValue", "user not logged in", pkcs11.CKR_USER_NOT_LOGGED_IN)
	}

	out := make(Attributes, 0, len(templ))
	var firstErr error
	for _, requested := range templ {
		if requested.Type == AttrTypeModuleAuth {
			// The wrapped auth secret is never served.
			out = append(out, &Attribute{Type: requested.Type})
			if firstErr == nil {
				firstErr = NewError("Session.GetAttributeValue", "attribute not found", pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
			}
			continue
		}
		if isSensitiveValue(attrs, requested.Type) {
			out = append(out, &Attribute{Type: requested.Type})
			if firstErr == nil {
				firstErr = NewError("Session.GetAttributeValue", "attribute is sensitive", pkcs11.CKR_ATTRIBUTE_SENSITIVE)
			}
			continue
		}
		found, err := attrs.GetAttributeByType(requested.Type)
		if err != nil {
			out = append(out, &Attribute{Type: requested.Type})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, &Attribute{Type: requested.Type, Value: dupBytes(found.Value)})
	}
	return out, firstErr
}

// SetAttributeValue updates attributes of the object behind the handle, again
// best effort: read-only entries are skipped with their error remembered and
// every remaining entry is still applied. The result is persisted once.
func (session *Session) SetAttributeValue(hObject uint, templ Attributes) error {
	if templ == nil {
		return NewError("Session.SetAttributeValue", "got nil template", pkcs11.CKR_ARGUMENTS_BAD)
	}
	tobj, err := session.GetObject(hObject)
	if err != nil {
		return err
	}
	token, err := session.Slot.GetToken()
	if err != nil {
		return err
	}
	if session.isReadOnly() {
		return NewError("Session.SetAttributeValue", "session is read only", pkcs11.CKR_SESSION_READ_ONLY)
	}
	if modifiable, err := tobj.Attrs().GetAttributeByType(pkcs11.CKA_MODIFIABLE); err == nil &&
		len(modifiable.Value) > 0 && modifiable.Value[0] == 0 {
		return NewError("Session.SetAttributeValue", "object is not modifiable", pkcs11.CKR_ATTRIBUTE_READ_ONLY)
	}

	var firstErr error
	changed := false
	for _, attribute := range templ {
		if isReadOnlyAttr(attribute.Type) {
			if firstErr == nil {
				firstErr = NewError("Session.SetAttributeValue", "attribute is read only", pkcs11.CKR_ATTRIBUTE_READ_ONLY)
			}
			continue
		}
		tobj.SetAttribute(attribute)
		changed = true
	}
	if changed {
		if err := session.saveToken(token); err != nil {
			return err
		}
	}
	return firstErr
}

// GetState reports the session state derived from the token security level
// and the session read-only flag.
func (session *Session) GetState() uint {
	token, err := session.Slot.GetToken()
	if err != nil {
		return CKS_RO_PUBLIC_SESSION
	}
	switch token.GetSecurityLevel() {
	case SecurityOfficer:
		return CKS_RW_SO_FUNCTIONS
	case User:
		if session.isReadOnly() {
			return CKS_RO_USER_FUNCTIONS
		}
		return CKS_RW_USER_FUNCTIONS
	default:
		if session.isReadOnly() {
			return CKS_RO_PUBLIC_SESSION
		}
		return CKS_RW_PUBLIC_SESSION
	}
}

func (session *Session) isReadOnly() bool {
	return (session.flags & pkcs11.CKF_RW_SESSION) != pkcs11.CKF_RW_SESSION
}

// Login logs the session's token in with the given user type and pin.
func (session *Session) Login(userType uint, pin string) error {
	token, err := session.Slot.GetToken()
	if err != nil {
		return err
	}
	return token.Login(userType, pin)
}

// Logout logs the session's token out.
func (session *Session) Logout() error {
	token, err := session.Slot.GetToken()
	if err != nil {
		return err
	}
	token.Logout()
	return nil
}

// GetModule returns the trust module serving this session's token.
func (session *Session) GetModule() (TrustModule, error) {
	if session.Slot == nil {
		return nil, NewError("Session.GetModule", "slot is nil", pkcs11.CKR_DEVICE_ERROR)
	} else if session.Slot.Application == nil {
		return nil, NewError("Session.GetModule", "application is nil in slot", pkcs11.CKR_DEVICE_ERROR)
	} else if session.Slot.Application.Module == nil {
		return nil, NewError("Session.GetModule", "trust module is nil in application", pkcs11.CKR_DEVICE_ERROR)
	}
	return session.Slot.Application.Module, nil
}

// LoadObject materializes the object in the trust module and returns its
// transient module handle.
func (session *Session) LoadObject(hObject uint) (uint, error) {
	tobj, err := session.GetObject(hObject)
	if err != nil {
		return 0, err
	}
	token, err := session.Slot.GetToken()
	if err != nil {
		return 0, err
	}
	module, err := session.GetModule()
	if err != nil {
		return 0, err
	}
	return tobj.Load(module, token.PrimaryCtx)
}

// UnloadObject evicts the object from the trust module.
func (session *Session) UnloadObject(hObject uint) error {
	tobj, err := session.GetObject(hObject)
	if err != nil {
		return err
	}
	module, err := session.GetModule()
	if err != nil {
		return err
	}
	return tobj.Unload(module)
}

func (session *Session) getInitializer() ObjectInitializer {
	if session.Slot != nil && session.Slot.Application != nil &&
		session.Slot.Application.Initializer != nil {
		return session.Slot.Application.Initializer
	}
	return NoopInitializer{}
}

func (session *Session) getDatabase() TokenStorage {
	if session.Slot != nil && session.Slot.Application != nil {
		return session.Slot.Application.Database
	}
	return nil
}

func (session *Session) saveToken(token *Token) error {
	db := session.getDatabase()
	if db == nil {
		return nil
	}
	if err := db.SaveToken(token); err != nil {
		return NewError("Session.saveToken", err.Error(), pkcs11.CKR_DEVICE_ERROR)
	}
	return nil
}

// validateTemplate checks a creation template for structural consistency: no
// type may appear twice with conflicting values, and the object class must be
// present.
func validateTemplate(attrs Attributes) error {
	seen := make(map[uint][]byte, len(attrs))
	for _, attribute := range attrs {
		if prev, ok := seen[attribute.Type]; ok {
			if !bytes.Equal(prev, attribute.Value) {
				return NewError("Session.CreateObject", "template has conflicting duplicate types", pkcs11.CKR_TEMPLATE_INCONSISTENT)
			}
			continue
		}
		seen[attribute.Type] = attribute.Value
	}
	if class, ok := seen[pkcs11.CKA_CLASS]; !ok || len(class) == 0 {
		return NewError("Session.CreateObject", "template lacks an object class", pkcs11.CKR_TEMPLATE_INCONSISTENT)
	}
	return nil
}

func isPrivateObject(attrs Attributes) bool {
	privAttr, err := attrs.GetAttributeByType(pkcs11.CKA_PRIVATE)
	return err == nil && len(privAttr.Value) > 0 && privAttr.Value[0] != 0
}

// isSensitiveValue reports whether serving the requested type would reveal
// key material of a sensitive object.
func isSensitiveValue(attrs Attributes, requested uint) bool {
	if requested != pkcs11.CKA_VALUE {
		return false
	}
	sensitive, err := attrs.GetAttributeByType(pkcs11.CKA_SENSITIVE)
	return err == nil && len(sensitive.Value) > 0 && sensitive.Value[0] != 0
}

func isReadOnlyAttr(attrType uint) bool {
	switch attrType {
	case pkcs11.CKA_CLASS, AttrTypeModulePub, AttrTypeModulePriv, AttrTypeModuleAuth:
		return true
	}
	return false
}

// GetUserAuthorization tells if an operation on an object with the given
// token/private flags is allowed in the given session state.
func GetUserAuthorization(state uint, isToken, isPrivate, userAction bool) bool {
	switch state {
	case CKS_RW_SO_FUNCTIONS:
		return !isPrivate
	case CKS_RW_USER_FUNCTIONS:
		return true
	case CKS_RO_USER_FUNCTIONS:
		if isToken {
			return !userAction
		}
		return true
	case CKS_RW_PUBLIC_SESSION:
		return !isPrivate
	case CKS_RO_PUBLIC_SESSION:
		return false
	}
	return false
}
