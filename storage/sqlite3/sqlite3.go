package sqlite3

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/trustmod/tokencore/objects"
)

// Sqlite3DB is a wrapper over a sql.DB object, complying with the
// TokenStorage interface.
type Sqlite3DB struct {
	*sql.DB
}

func GetDatabase(path string) (objects.TokenStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite3 database")
	}
	return &Sqlite3DB{
		DB: db,
	}, nil
}

// InitStorage creates the tables if they don't exist yet.
func (db *Sqlite3DB) InitStorage() error {
	for _, stmt := range CreateStmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "in stmt %s", stmt)
		}
	}
	return nil
}

// SaveToken rewrites the whole persisted state of the token: its credentials,
// its objects with their blobs and wrapped auth, and their attributes in
// store order. Unsealed auth values and transient module handles are never
// written.
func (db *Sqlite3DB) SaveToken(token *objects.Token) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(CleanAttributesQuery, token.Label); err != nil {
		return errors.Wrap(err, "clean attributes")
	}
	if _, err := tx.Exec(CleanTokenObjectsQuery, token.Label); err != nil {
		return errors.Wrap(err, "clean token objects")
	}
	if _, err := tx.Exec(InsertTokenQuery, token.Label, token.Pin, token.SoPin); err != nil {
		return errors.Wrap(err, "save token")
	}

	objectStmt, err := tx.Prepare(InsertTokenObjectQuery)
	if err != nil {
		return errors.Wrap(err, "prepare object stmt")
	}
	attrStmt, err := tx.Prepare(InsertAttributeQuery)
	if err != nil {
		return errors.Wrap(err, "prepare attribute stmt")
	}

	token.Lock()
	defer token.Unlock()
	for _, tobj := range token.Objects {
		_, err := objectStmt.Exec(token.Label, tobj.Id, tobj.Handle,
			tobj.Pub, tobj.Priv, tobj.ObjAuth, tobj.LinkTarget)
		if err != nil {
			return errors.Wrapf(err, "save object %d", tobj.Id)
		}
		for seq, attr := range tobj.CopyAttributes() {
			if _, err := attrStmt.Exec(token.Label, tobj.Id, seq, attr.Type, attr.Value); err != nil {
				return errors.Wrapf(err, "save attribute %d of object %d", attr.Type, tobj.Id)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// GetToken rebuilds a token and its objects from the storage.
func (db *Sqlite3DB) GetToken(label string) (*objects.Token, error) {
	var pin, soPin string
	err := db.QueryRow(GetTokenQuery, label).Scan(&pin, &soPin)
	if err != nil {
		return nil, errors.Wrapf(err, "get token %s", label)
	}
	token, err := objects.NewToken(label, pin, soPin)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(GetTokenObjectsQuery, label)
	if err != nil {
		return nil, errors.Wrap(err, "get token objects")
	}
	defer rows.Close()
	for rows.Next() {
		var id, handle, link uint
		var pub, priv, objAuth []byte
		if err := rows.Scan(&id, &handle, &pub, &priv, &objAuth, &link); err != nil {
			return nil, errors.Wrap(err, "scan token object")
		}
		tobj := objects.NewTokenObject()
		tobj.Id = id
		tobj.Handle = handle
		tobj.Pub = pub
		tobj.Priv = priv
		tobj.ObjAuth = objAuth
		tobj.LinkTarget = link
		if err := db.getAttributes(label, tobj); err != nil {
			return nil, err
		}
		token.AddObject(tobj)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate token objects")
	}
	return token, nil
}

func (db *Sqlite3DB) getAttributes(label string, tobj *objects.TokenObject) error {
	rows, err := db.Query(GetAttributesQuery, label, tobj.Id)
	if err != nil {
		return errors.Wrapf(err, "get attributes of object %d", tobj.Id)
	}
	defer rows.Close()
	for rows.Next() {
		var attrType uint
		var value []byte
		if err := rows.Scan(&attrType, &value); err != nil {
			return errors.Wrap(err, "scan attribute")
		}
		tobj.Attributes.Set(&objects.Attribute{Type: attrType, Value: value})
	}
	return errors.Wrap(rows.Err(), "iterate attributes")
}

// GetMaxIds returns the biggest internal id and external handle present in
// the storage.
func (db *Sqlite3DB) GetMaxIds() (int, int, error) {
	var maxId, maxHandle int
	err := db.QueryRow(GetMaxIdsQuery).Scan(&maxId, &maxHandle)
	if err != nil {
		return 0, 0, errors.Wrap(err, "get max ids")
	}
	return maxId, maxHandle, nil
}

func (db *Sqlite3DB) CloseStorage() error {
	return db.Close()
}
