package objects

import (
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/plan-systems/klog"
)

// Security level set for a token at login.
type SecurityLevel int

const (
	Public SecurityLevel = iota
	User
	SecurityOfficer
)

// TokenObjects is the ordered set of live objects of a token, in registry
// insertion order.
type TokenObjects []*TokenObject

// A Token is the registry of live token objects, shared by every session
// opened against its slot. Its mutex is the exclusion domain for object
// registration, lookup, removal and the destroy-path busy check.
type Token struct {
	sync.Mutex
	Label   string
	Pin     string
	SoPin   string
	Objects TokenObjects

	// PrimaryCtx is the parent trust-module context the objects of this
	// token are loaded under.
	PrimaryCtx []byte

	tokenFlags    uint64
	securityLevel SecurityLevel
	loggedIn      bool

	nextId     uint
	nextHandle uint
}

func NewToken(label, userPin, soPin string) (*Token, error) {
	if len(label) > 32 {
		return nil, NewError("objects.NewToken", "label with more than 32 chars", pkcs11.CKR_ARGUMENTS_BAD)
	}
	newToken := &Token{
		Label: label,
		Pin:   userPin,
		SoPin: soPin,
		tokenFlags: pkcs11.CKF_RNG |
			pkcs11.CKF_LOGIN_REQUIRED |
			pkcs11.CKF_USER_PIN_INITIALIZED |
			pkcs11.CKF_TOKEN_INITIALIZED,
	}
	return newToken, nil
}

// Equals returns true if the tokens hold the same credentials and objects.
func (token *Token) Equals(token2 *Token) bool {
	if token.Label != token2.Label ||
		token.Pin != token2.Pin ||
		token.SoPin != token2.SoPin ||
		len(token.Objects) != len(token2.Objects) {
		return false
	}
	for i, tobj := range token.Objects {
		if !tobj.Equals(token2.Objects[i]) {
			return false
		}
	}
	return true
}

// GetFlags returns the token initialization flags.
func (token *Token) GetFlags() uint64 {
	return token.tokenFlags
}

// SetUserPin sets the user pin to a new pin.
func (token *Token) SetUserPin(pin string) {
	token.Pin = pin
}

// GetSecurityLevel returns the security level set for the token at login.
func (token *Token) GetSecurityLevel() SecurityLevel {
	return token.securityLevel
}

// CheckUserPin checks if the pin provided is the user pin.
func (token *Token) CheckUserPin(pin string) (SecurityLevel, error) {
	if token.Pin == pin {
		return User, nil
	}
	return Public, NewError("Token.CheckUserPin", "incorrect pin", pkcs11.CKR_PIN_INCORRECT)
}

// CheckSecurityOfficerPin checks if the pin provided is the SO pin.
func (token *Token) CheckSecurityOfficerPin(pin string) (SecurityLevel, error) {
	if token.SoPin == pin {
		return SecurityOfficer, nil
	}
	return Public, NewError("Token.CheckSecurityOfficerPin", "incorrect pin", pkcs11.CKR_PIN_INCORRECT)
}

// Login logs into the token with the given user type, or returns an error if
// something goes wrong.
func (token *Token) Login(userType uint, pin string) error {
	if token.loggedIn &&
		((userType == pkcs11.CKU_USER && token.securityLevel == SecurityOfficer) ||
			(userType == pkcs11.CKU_SO && token.securityLevel == User)) {
		return NewError("Token.Login", "another user already logged in", pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}

	switch userType {
	case pkcs11.CKU_SO:
		securityLevel, err := token.CheckSecurityOfficerPin(pin)
		if err != nil {
			return err
		}
		token.securityLevel = securityLevel
	case pkcs11.CKU_USER:
		securityLevel, err := token.CheckUserPin(pin)
		if err != nil {
			return err
		}
		token.securityLevel = securityLevel
	case pkcs11.CKU_CONTEXT_SPECIFIC:
		switch token.securityLevel {
		case Public:
			return NewError("Token.Login", "no operation to authenticate", pkcs11.CKR_OPERATION_NOT_INITIALIZED)
		case User:
			securityLevel, err := token.CheckUserPin(pin)
			if err != nil {
				return err
			}
			token.securityLevel = securityLevel
		case SecurityOfficer:
			securityLevel, err := token.CheckSecurityOfficerPin(pin)
			if err != nil {
				return err
			}
			token.securityLevel = securityLevel
		}
	default:
		return NewError("Token.Login", "bad user type", pkcs11.CKR_USER_TYPE_INVALID)
	}
	token.loggedIn = true
	return nil
}

// Logout logs out from the token and drops every unsealed auth value.
func (token *Token) Logout() {
	token.Lock()
	defer token.Unlock()
	token.securityLevel = Public
	token.loggedIn = false
	for _, tobj := range token.Objects {
		tobj.Unauthenticate()
	}
}

// SetIdFloor seeds the id and handle counters above the values already used
// by persisted objects, so neither is ever reused within the token lifetime.
func (token *Token) SetIdFloor(maxId, maxHandle uint) {
	token.Lock()
	defer token.Unlock()
	if token.nextId < maxId {
		token.nextId = maxId
	}
	if token.nextHandle < maxHandle {
		token.nextHandle = maxHandle
	}
}

// NextIds assigns a fresh internal id and external handle. The counters are
// independent so handed-out handles do not expose internal ordering.
func (token *Token) NextIds() (uint, uint) {
	token.Lock()
	defer token.Unlock()
	token.nextId++
	token.nextHandle++
	return token.nextId, token.nextHandle
}

// AddObject registers a token object and returns its handle. Objects loaded
// from storage arrive with their identity set; fresh objects get one here.
func (token *Token) AddObject(tobj *TokenObject) uint {
	token.Lock()
	defer token.Unlock()
	if tobj.Handle == 0 {
		token.nextId++
		token.nextHandle++
		tobj.Id = token.nextId
		tobj.Handle = token.nextHandle
	} else {
		if token.nextId < tobj.Id {
			token.nextId = tobj.Id
		}
		if token.nextHandle < tobj.Handle {
			token.nextHandle = tobj.Handle
		}
	}
	tobj.token = token
	token.Objects = append(token.Objects, tobj)
	klog.V(1).Infof("token %s: object %d registered with handle %d", token.Label, tobj.Id, tobj.Handle)
	return tobj.Handle
}

// GetObject returns the live object using the given handle.
func (token *Token) GetObject(handle uint) (*TokenObject, error) {
	token.Lock()
	defer token.Unlock()
	for _, tobj := range token.Objects {
		if tobj.Handle == handle {
			return tobj, nil
		}
	}
	return nil, NewError("Token.GetObject", "object not found", pkcs11.CKR_OBJECT_HANDLE_INVALID)
}

// GetObjectById returns the live object with the given internal id. Used to
// resolve link objects.
func (token *Token) GetObjectById(id uint) (*TokenObject, error) {
	token.Lock()
	defer token.Unlock()
	for _, tobj := range token.Objects {
		if tobj.Id == id {
			return tobj, nil
		}
	}
	return nil, NewError("Token.GetObjectById", "object not found", pkcs11.CKR_OBJECT_HANDLE_INVALID)
}

// DeleteObject unregisters and frees the object using the given handle. The
// busy check runs under both the registry lock and the object's usage lock,
// so an operation that is mid-increment can never lose its storage.
func (token *Token) DeleteObject(handle uint) error {
	token.Lock()
	defer token.Unlock()
	for i, tobj := range token.Objects {
		if tobj.Handle != handle {
			continue
		}
		tobj.mutex.Lock()
		if tobj.active > 0 {
			tobj.mutex.Unlock()
			return NewError("Token.DeleteObject", "object in use", pkcs11.CKR_FUNCTION_FAILED)
		}
		tobj.destroyed = true
		tobj.mutex.Unlock()
		token.Objects = append(token.Objects[:i], token.Objects[i+1:]...)
		tobj.free()
		klog.V(1).Infof("token %s: object with handle %d destroyed", token.Label, handle)
		return nil
	}
	return NewError("Token.DeleteObject", "object not found", pkcs11.CKR_OBJECT_HANDLE_INVALID)
}

// CopyState copies the credential and login state of another token.
func (token *Token) CopyState(token2 *Token) {
	token.Pin = token2.Pin
	token.SoPin = token2.SoPin
	token.securityLevel = token2.securityLevel
	token.loggedIn = token2.loggedIn
}
