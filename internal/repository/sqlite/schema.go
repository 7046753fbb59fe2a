package sqlite

// CurrentSchemaVersion is the schema this build reads and writes.
// Version 7 datasets are migrated on open; anything else is rejected.
const CurrentSchemaVersion = 8

// schemaSQL creates a fresh version-8 dataset.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS Config (
    Key   TEXT PRIMARY KEY,
    Value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Backups (
    BackupSet     INTEGER PRIMARY KEY AUTOINCREMENT,
    Name          TEXT UNIQUE NOT NULL,
    Session       TEXT UNIQUE,
    Completed     INTEGER NOT NULL DEFAULT 0,
    StartTime     INTEGER NOT NULL,
    EndTime       INTEGER,
    Priority      INTEGER NOT NULL DEFAULT 0,
    Full          INTEGER NOT NULL DEFAULT 0,
    ClientVersion TEXT,
    ServerVersion TEXT,
    FilesFull     INTEGER NOT NULL DEFAULT 0,
    FilesDelta    INTEGER NOT NULL DEFAULT 0,
    BytesReceived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS Names (
    NameId INTEGER PRIMARY KEY AUTOINCREMENT,
    Name   BLOB UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS CheckSums (
    ChecksumId  INTEGER PRIMARY KEY AUTOINCREMENT,
    Checksum    TEXT UNIQUE NOT NULL,
    Size        INTEGER NOT NULL DEFAULT 0,
    Basis       TEXT REFERENCES CheckSums(Checksum),
    DeltaSize   INTEGER,
    DiskSize    INTEGER NOT NULL DEFAULT 0,
    Compressed  INTEGER NOT NULL DEFAULT 0,
    Encrypted   INTEGER NOT NULL DEFAULT 0,
    IV          BLOB,
    ChainLength INTEGER NOT NULL DEFAULT 0,
    IsFile      INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS CheckSumIndex ON CheckSums(Checksum);
CREATE INDEX IF NOT EXISTS CheckSumBasisIndex ON CheckSums(Basis);

CREATE TABLE IF NOT EXISTS Files (
    NameId     INTEGER NOT NULL REFERENCES Names(NameId),
    BackupSet  INTEGER NOT NULL REFERENCES Backups(BackupSet),
    Inode      INTEGER NOT NULL,
    Device     INTEGER NOT NULL,
    Parent     INTEGER NOT NULL,
    ParentDev  INTEGER NOT NULL,
    ChecksumId INTEGER REFERENCES CheckSums(ChecksumId),
    XattrId    INTEGER REFERENCES CheckSums(ChecksumId),
    AclId      INTEGER REFERENCES CheckSums(ChecksumId),
    Dir        INTEGER NOT NULL DEFAULT 0,
    Link       INTEGER NOT NULL DEFAULT 0,
    Size       INTEGER,
    MTime      INTEGER,
    CTime      INTEGER,
    ATime      INTEGER,
    Mode       INTEGER,
    UID        INTEGER,
    GID        INTEGER,
    NLinks     INTEGER,
    PRIMARY KEY (BackupSet, Parent, ParentDev, NameId)
);

CREATE INDEX IF NOT EXISTS FilesInodeIndex ON Files(Inode, Device, BackupSet);
CREATE INDEX IF NOT EXISTS FilesChecksumIndex ON Files(ChecksumId);

CREATE TABLE IF NOT EXISTS Keys (
    KeyId       INTEGER PRIMARY KEY CHECK (KeyId = 1),
    Salt        BLOB,
    Verifier    BLOB,
    FilenameKey TEXT,
    ContentKey  TEXT
);
`

// migrate7to8 brings a version-7 dataset up to version 8: per-set ingest
// counters and an explicit Encrypted flag derived from IV presence.
var migrate7to8 = []string{
	`ALTER TABLE Backups ADD COLUMN FilesFull INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE Backups ADD COLUMN FilesDelta INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE Backups ADD COLUMN BytesReceived INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE CheckSums ADD COLUMN Encrypted INTEGER NOT NULL DEFAULT 0`,
	`UPDATE CheckSums SET Encrypted = 1 WHERE IV IS NOT NULL`,
	`UPDATE Config SET Value = '8' WHERE Key = 'SchemaVersion'`,
}
