package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CurrentHashVersion identifies the canonical layout below. Bump it, and keep
// the old encoder reachable, when the layout changes.
const CurrentHashVersion = 1

// CanonicalMedicine fixes the key order of a medicine line. New keys go at the end.
type CanonicalMedicine struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	DosageValue Number  `json:"dosageValue"`
	DosageUnit  *string `json:"dosageUnit"`
	TimesPerDay Number  `json:"timesPerDay"`
	TotalDays   Number  `json:"totalDays"`
}

// CanonicalForm fixes the key order of the clinical content. New keys go at the end.
type CanonicalForm struct {
	SubjectName    string              `json:"subjectName"`
	SubjectContact string              `json:"subjectContact"`
	AuthorID       string              `json:"authorId"`
	Age            *int                `json:"age"`
	Sex            string              `json:"sex"`
	Medicines      []CanonicalMedicine `json:"medicines"`
	Notes          string              `json:"notes"`
}

// Canonical is the hash input together with the structure it was rendered from.
type Canonical struct {
	Bytes []byte
	Form  CanonicalForm
}

func canonicalMedicine(m MedicineLine) CanonicalMedicine {
	cm := CanonicalMedicine{
		ID:          m.ID,
		Name:        m.Name,
		DosageValue: m.DosageValue,
		TimesPerDay: m.TimesPerDay,
		TotalDays:   m.TotalDays,
	}
	if m.DosageUnit != "" {
		unit := m.DosageUnit
		cm.DosageUnit = &unit
	}
	return cm
}

func formOf(c Content) CanonicalForm {
	f := CanonicalForm{
		SubjectName:    c.subjectName,
		SubjectContact: c.subjectContact,
		AuthorID:       c.authorID,
		Sex:            c.sex,
		Medicines:      make([]CanonicalMedicine, 0, len(c.medicines)),
		Notes:          c.notes,
	}
	if c.age != nil {
		age := *c.age
		f.Age = &age
	}
	for _, m := range c.medicines {
		f.Medicines = append(f.Medicines, canonicalMedicine(m))
	}
	return f
}

// encode renders compact JSON in struct field order without HTML escaping.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// render produces the canonical bytes for version without validating content,
// so stored records can always be re-hashed.
func render(c Content, version int) (Canonical, error) {
	if version != CurrentHashVersion {
		return Canonical{}, fmt.Errorf("%w: %d", ErrUnsupportedHashVersion, version)
	}
	form := formOf(c)
	b, err := encode(form)
	if err != nil {
		return Canonical{}, fmt.Errorf("encode canonical form: %w", err)
	}
	return Canonical{Bytes: b, Form: form}, nil
}

// Canonicalize returns the byte-stable serialisation of c that is hashed and
// anchored. Logically equal content always yields identical bytes.
func Canonicalize(c Content, version int) (Canonical, error) {
	if strings.TrimSpace(c.subjectName) == "" {
		return Canonical{}, fmt.Errorf("%w: subjectName is required", ErrInvalidContent)
	}
	return render(c, version)
}

// contentFromForm rebuilds content from its canonical shape, the layout used
// for persistence.
func contentFromForm(f CanonicalForm) Content {
	c := Content{
		subjectName:    f.SubjectName,
		subjectContact: f.SubjectContact,
		authorID:       f.AuthorID,
		sex:            f.Sex,
		notes:          f.Notes,
		medicines:      make([]MedicineLine, 0, len(f.Medicines)),
	}
	if f.Age != nil {
		age := *f.Age
		c.age = &age
	}
	for _, m := range f.Medicines {
		line := MedicineLine{
			ID:          m.ID,
			Name:        m.Name,
			DosageValue: m.DosageValue,
			TimesPerDay: m.TimesPerDay,
			TotalDays:   m.TotalDays,
		}
		if m.DosageUnit != nil {
			line.DosageUnit = *m.DosageUnit
		}
		c.medicines = append(c.medicines, line)
	}
	return c
}
