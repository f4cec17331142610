package key

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/zapmesh/zapmesh/fs"
)

// KeyFolderName is the name of the folder where the key pair is stored,
// relative to the node's base folder.
const KeyFolderName = "key"

const keyFileName = "zapmesh_id"
const privateExtension = ".private"
const publicExtension = ".public"

// Tomler represents any struct that can be (un)marshalled into/from toml format
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// Store abstracts the loading and saving of the node's signing key pair.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
}

// fileStore is a Store using the filesystem. The private part is written with
// user-only permissions.
type fileStore struct {
	baseFolder     string
	privateKeyFile string
	publicKeyFile  string
}

// NewFileStore returns a file-based store rooted at the given base folder.
// It creates the key folder with secure permissions if it does not exist.
func NewFileStore(baseFolder string) Store {
	store := &fileStore{baseFolder: baseFolder}
	keyFolder := fs.CreateSecureFolder(path.Join(baseFolder, KeyFolderName))
	store.privateKeyFile = path.Join(keyFolder, keyFileName+privateExtension)
	store.publicKeyFile = path.Join(keyFolder, keyFileName+publicExtension)
	return store
}

// SaveKeyPair first saves the private key in a file with tight permissions
// and then saves the public part in another file.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := Save(f.privateKeyFile, p, true); err != nil {
		return fmt.Errorf("key: saving private key: %w", err)
	}
	return Save(f.publicKeyFile, p.Public, false)
}

// LoadKeyPair decodes the private key first, then the public part.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := Load(f.privateKeyFile, p); err != nil {
		return nil, err
	}
	return p, Load(f.publicKeyFile, p.Public)
}

// Save writes the TOML representation of the given Tomler to the file path.
// When secure is true the file is created with user-only permissions.
func Save(filePath string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(filePath)
	} else {
		fd, err = os.Create(filePath)
	}
	if err != nil {
		return fmt.Errorf("key: creating file %s: %w", filePath, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load reads the TOML file at the given path into the Tomler.
func Load(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(filePath, tomlValue); err != nil {
		return fmt.Errorf("key: reading file %s: %w", filePath, err)
	}
	return t.FromTOML(tomlValue)
}
