package objects

// TrustModule is the transport to the external component holding the real
// key material. The core only stores and serves the blobs and handles these
// calls need; it never interprets them.
type TrustModule interface {
	// Load materializes an object inside the module from its public and
	// private blobs under the given parent context. It returns the transient
	// module handle and a serialized form of the loaded context that allows
	// reloading without re-deriving key material.
	Load(pub, priv, parent []byte) (uint, []byte, error)

	// Unload evicts a loaded handle from the module.
	Unload(handle uint) error

	// Import wraps external key material into module blobs under the given
	// key name.
	Import(name string, secret []byte) (pub []byte, priv []byte, err error)

	// IsMechanismSupported reports whether the module can run the mechanism
	// with the given object, as an error with the usual result codes.
	IsMechanismSupported(tobj *TokenObject, mech *Mechanism) error

	// MinBufferSize returns the minimum output buffer size for running the
	// mechanism with the given object.
	MinBufferSize(tobj *TokenObject, mech *Mechanism) (int, error)
}
