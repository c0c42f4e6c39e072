package vault

import (
	"context"
	"sort"
	"sync"
)

type document struct {
	attrs   map[string]string
	secrets map[string]string
}

// Memory is an in-process document store whose secret fields are sealed
// with a Cipher, mirroring how the host store keeps them.
type Memory struct {
	mu     sync.RWMutex
	cipher *Cipher
	docs   map[string]map[string]*document
}

var _ Accessor = (*Memory)(nil)

// NewMemory returns an empty store sealing secrets with c.
func NewMemory(c *Cipher) *Memory {
	return &Memory{cipher: c, docs: make(map[string]map[string]*document)}
}

// PutDocument creates or replaces the plain attributes of a document.
func (m *Memory) PutDocument(doctype, docname string, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(doctype, docname)
	d.attrs = make(map[string]string, len(attrs))
	for k, v := range attrs {
		d.attrs[k] = v
	}
}

func (m *Memory) doc(doctype, docname string) *document {
	byName, ok := m.docs[doctype]
	if !ok {
		byName = make(map[string]*document)
		m.docs[doctype] = byName
	}
	d, ok := byName[docname]
	if !ok {
		d = &document{attrs: map[string]string{}, secrets: map[string]string{}}
		byName[docname] = d
	}
	return d
}

func (m *Memory) GetField(ctx context.Context, doctype, docname, field string) (string, error) {
	m.mu.RLock()
	d, ok := m.docs[doctype][docname]
	var sealed string
	var hasSecret bool
	var plain string
	var hasPlain bool
	if ok {
		sealed, hasSecret = d.secrets[field]
		plain, hasPlain = d.attrs[field]
	}
	m.mu.RUnlock()

	switch {
	case !ok:
		return "", ErrNotFound
	case hasSecret:
		value, err := m.cipher.Open(sealed, AAD(doctype, docname, field))
		if err != nil {
			return "", err
		}
		return string(value), nil
	case hasPlain:
		return plain, nil
	default:
		return "", ErrNotFound
	}
}

func (m *Memory) SetFieldEncrypted(ctx context.Context, doctype, docname, field, value string) error {
	sealed, err := m.cipher.Seal([]byte(value), AAD(doctype, docname, field))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[doctype][docname]
	if !ok {
		return ErrNotFound
	}
	d.secrets[field] = sealed
	return nil
}

func (m *Memory) ListDocuments(ctx context.Context, doctype string, filter map[string]string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, d := range m.docs[doctype] {
		if matches(d.attrs, filter) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func matches(attrs, filter map[string]string) bool {
	for k, v := range filter {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
