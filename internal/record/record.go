package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Sex is the normalized sex code stored with every record.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Record is a single validated name/sex entry, the pipeline's unit of
// transfer. ID is the store's surrogate identifier; it is zero until the
// record has been read back from the store and carries no business meaning.
type Record struct {
	ID   int64
	Name string
	Sex  Sex
}

// NormalizeSex maps a raw sex code to its normalized form. Exactly "M"
// (after trimming) maps to male; every other value, recognized or not, maps
// to female. This mirrors the upstream dataset's documented convention and
// is deliberate: do not widen the match (e.g. to lowercase "m") without a
// data-owner decision.
func NormalizeSex(raw string) Sex {
	if strings.TrimSpace(raw) == "M" {
		return SexMale
	}
	return SexFemale
}

// ParseRow validates one raw CSV row and produces a Record. Both columns
// must be present and non-empty after trimming; a failing row is the
// caller's signal to count and skip.
func ParseRow(row map[string]string, nameCol, sexCol string) (Record, error) {
	rawName, ok := row[nameCol]
	if !ok {
		return Record{}, fmt.Errorf("missing column %q", nameCol)
	}
	rawSex, ok := row[sexCol]
	if !ok {
		return Record{}, fmt.Errorf("missing column %q", sexCol)
	}

	name := strings.TrimSpace(rawName)
	if name == "" {
		return Record{}, fmt.Errorf("empty %q", nameCol)
	}
	if strings.TrimSpace(rawSex) == "" {
		return Record{}, fmt.Errorf("empty %q", sexCol)
	}

	return Record{Name: name, Sex: NormalizeSex(rawSex)}, nil
}

// Key returns the derived upsert identifier for the record: a deterministic
// function of (name, sex), independent of the store's surrogate id. Repeated
// delivery of the same record therefore lands on the same remote object.
func (r Record) Key() string {
	sum := sha256.Sum256([]byte(r.Name + "|" + string(r.Sex)))
	return hex.EncodeToString(sum[:16]) + "@feedbridge.invalid"
}
