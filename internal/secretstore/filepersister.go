package secretstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
)

// FilePersister persists every account's OAuth token as one encrypted
// JSON document, matching oauthstore.Persister. Writes are serialized per
// store instance (not just per account): the whole document is
// read-modify-written atomically via a temp-file rename, the same
// pattern the teacher uses for its own token cache file.
type FilePersister struct {
	path   string
	cipher *Cipher // nil disables encryption; the document is stored as plain JSON

	mu sync.Mutex
}

// NewFilePersister builds a FilePersister writing to path. If cipher is
// nil the document is stored unencrypted — callers that want encryption
// at rest should pass a Cipher built from an operator-configured
// passphrase.
func NewFilePersister(path string, cipher *Cipher) *FilePersister {
	return &FilePersister{path: strings.TrimSpace(path), cipher: cipher}
}

type persistedDocument struct {
	Tokens map[string]oauthstore.Token `json:"tokens"`
}

// LoadAll reads and decrypts the on-disk document. A missing file is not
// an error: it means no tokens have been persisted yet.
func (p *FilePersister) LoadAll() (map[string]oauthstore.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return map[string]oauthstore.Token{}, nil
	}
	// #nosec G304 -- path is operator-configured, not request-controlled.
	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return map[string]oauthstore.Token{}, nil
	}
	if err != nil {
		return nil, err
	}

	body := string(raw)
	if p.cipher != nil && IsSealed(strings.TrimSpace(body)) {
		body, err = p.cipher.Open(strings.TrimSpace(body))
		if err != nil {
			return nil, err
		}
	}

	var doc persistedDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]oauthstore.Token{}
	}
	return doc.Tokens, nil
}

// Save upserts one account's token into the on-disk document.
func (p *FilePersister) Save(accountID string, tok oauthstore.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.loadLocked()
	if err != nil {
		return err
	}
	doc.Tokens[accountID] = tok
	return p.writeLocked(doc)
}

// Delete removes one account's token from the on-disk document.
func (p *FilePersister) Delete(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := p.loadLocked()
	if err != nil {
		return err
	}
	delete(doc.Tokens, accountID)
	return p.writeLocked(doc)
}

func (p *FilePersister) loadLocked() (persistedDocument, error) {
	// #nosec G304 -- path is operator-configured, not request-controlled.
	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return persistedDocument{Tokens: map[string]oauthstore.Token{}}, nil
	}
	if err != nil {
		return persistedDocument{}, err
	}
	body := string(raw)
	if p.cipher != nil && IsSealed(strings.TrimSpace(body)) {
		body, err = p.cipher.Open(strings.TrimSpace(body))
		if err != nil {
			return persistedDocument{}, err
		}
	}
	var doc persistedDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return persistedDocument{}, err
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]oauthstore.Token{}
	}
	return doc, nil
}

func (p *FilePersister) writeLocked(doc persistedDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	out := raw
	if p.cipher != nil {
		sealed, err := p.cipher.Seal(string(raw))
		if err != nil {
			return err
		}
		out = []byte(sealed)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	tmp := p.path + ".tmp." + time.Now().Format("20060102150405.000000000")
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
