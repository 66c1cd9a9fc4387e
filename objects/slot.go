package objects

import (
	"sync"

	"github.com/miekg/pkcs11"
)

// A Slot holds at most one token and the sessions opened against it.
type Slot struct {
	sync.Mutex
	ID          uint
	flags       uint64
	token       *Token
	Sessions    Sessions
	Application *Application
}

func (slot *Slot) IsTokenPresent() bool {
	return slot.token != nil
}

func (slot *Slot) OpenSession(flags uint) (uint, error) {
	if !slot.IsTokenPresent() {
		return 0, NewError("Slot.OpenSession", "token not present", pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	session := NewSession(flags, slot)
	handle := session.GetHandle()
	slot.Lock()
	defer slot.Unlock()
	if slot.Sessions == nil {
		slot.Sessions = make(Sessions)
	}
	slot.Sessions[handle] = session
	return handle, nil
}

func (slot *Slot) CloseSession(handle uint) error {
	if !slot.IsTokenPresent() {
		return NewError("Slot.CloseSession", "token not present", pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	slot.Lock()
	defer slot.Unlock()
	if _, ok := slot.Sessions[handle]; !ok {
		return NewError("Slot.CloseSession", "session handle doesn't exist in this slot", pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(slot.Sessions, handle)
	return nil
}

func (slot *Slot) CloseAllSessions() {
	slot.Lock()
	defer slot.Unlock()
	slot.Sessions = make(Sessions)
}

func (slot *Slot) GetSession(handle uint) (*Session, error) {
	if !slot.IsTokenPresent() {
		return nil, NewError("Slot.GetSession", "token not present", pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	slot.Lock()
	defer slot.Unlock()
	session, ok := slot.Sessions[handle]
	if !ok {
		return nil, NewError("Slot.GetSession", "session handle doesn't exist in this slot", pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return session, nil
}

func (slot *Slot) HasSession(handle uint) bool {
	slot.Lock()
	defer slot.Unlock()
	_, ok := slot.Sessions[handle]
	return ok
}

func (slot *Slot) GetToken() (*Token, error) {
	if !slot.IsTokenPresent() {
		return nil, NewError("Slot.GetToken", "token not present", pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return slot.token, nil
}

func (slot *Slot) InsertToken(token *Token) {
	slot.token = token
}
