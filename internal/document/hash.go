package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainField    = "diagramsync/field/v1"
	DomainDocument = "diagramsync/document/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FieldHashes returns the canonical content hash of every set field.
func FieldHashes(d *Document) (map[Field]string, error) {
	hashes := make(map[Field]string, len(Fields))
	for _, f := range Fields {
		raw := d.Get(f)
		if raw == nil {
			continue
		}
		canonical, err := Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", f, err)
		}
		hashes[f] = hashWithDomain(DomainField+"/"+string(f), canonical)
	}
	return hashes, nil
}

// ContentHash identifies the document's content: title, database and all
// fields. The id is excluded so a creation save and its echo hash alike.
func ContentHash(d *Document) (string, error) {
	c := d.Clone()
	c.ID = 0
	raw, err := c.MarshalJSON()
	if err != nil {
		return "", err
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("ContentHash: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// ChangedFields lists, in wire order, the fields whose hash differs
// between prev and next, including fields added or removed.
func ChangedFields(prev, next map[Field]string) []Field {
	var changed []Field
	for _, f := range Fields {
		if prev[f] != next[f] {
			changed = append(changed, f)
		}
	}
	return changed
}
