package sqlite3

const CreateTokenTable = `
    CREATE TABLE IF NOT EXISTS token (
        label       TEXT PRIMARY KEY,
        pin         TEXT,
        so_pin      TEXT
    )`

const InsertTokenQuery = `
    INSERT OR REPLACE INTO token VALUES (?, ?, ?)
`

const GetTokenQuery = `
    SELECT pin, so_pin
    FROM token
    WHERE label = ?
`

const CreateTokenObjectTable = `
    CREATE TABLE IF NOT EXISTS token_object (
        token_label TEXT,
        id          INTEGER,
        handle      INTEGER,
        pub         BLOB,
        priv        BLOB,
        obj_auth    BLOB,
        link        INTEGER,
        PRIMARY KEY (token_label, id)
    )`

const InsertTokenObjectQuery = `
    INSERT OR REPLACE INTO token_object (token_label, id, handle, pub, priv, obj_auth, link)
    VALUES (?, ?, ?, ?, ?, ?, ?)
`

const CleanTokenObjectsQuery = `
    DELETE FROM token_object WHERE token_label = ?
`

const GetTokenObjectsQuery = `
    SELECT id, handle, pub, priv, obj_auth, link
    FROM token_object
    WHERE token_label = ?
    ORDER BY id
`

const CreateAttributeTable = `
    CREATE TABLE IF NOT EXISTS attribute (
        token_label TEXT,
        object_id   INTEGER,
        seq         INTEGER,
        type        INTEGER,
        value       BLOB,
        PRIMARY KEY (token_label, object_id, type)
    )`

const InsertAttributeQuery = `
    INSERT OR REPLACE INTO attribute (token_label, object_id, seq, type, value)
    VALUES (?, ?, ?, ?, ?)
`

const CleanAttributesQuery = `
    DELETE FROM attribute WHERE token_label = ?
`

const GetAttributesQuery = `
    SELECT type, value
    FROM attribute
    WHERE token_label = ? AND object_id = ?
    ORDER BY seq
`

const GetMaxIdsQuery = `
    SELECT COALESCE(MAX(id), 0), COALESCE(MAX(handle), 0) FROM token_object
`

var CreateStmts = []string{CreateTokenTable, CreateTokenObjectTable, CreateAttributeTable}
