package objects

type TokenStorage interface {
	// Executes the logic necessary to initialize the storage.
	InitStorage() error

	// Saves a token into the storage, or returns an error.
	SaveToken(*Token) error

	// Retrieves a token from the storage or returns an error.
	GetToken(string) (*Token, error)

	// Returns the biggest internal id and external handle in the storage,
	// used to seed the token counters so neither is ever reused.
	GetMaxIds() (int, int, error)

	// Finalizes the use of the storage. The storage is not usable
	// if this method is called.
	CloseStorage() error
}
