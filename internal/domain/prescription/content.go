package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Number is a nullable numeric value. Decoding never fails: JSON numbers and
// numeric strings become numbers, everything else becomes null. This keeps
// "5" and 5 hashing identically.
type Number struct {
	v     float64
	valid bool
}

// NumberOf returns a valid Number, or null when f is NaN or infinite.
func NumberOf(f float64) Number {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number{}
	}
	if f == 0 {
		f = 0 // folds -0
	}
	return Number{v: f, valid: true}
}

// ParseNumber coerces text to a Number.
func ParseNumber(s string) Number {
	s = strings.TrimSpace(s)
	if s == "" {
		return Number{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Number{}
	}
	return NumberOf(f)
}

func (n Number) Float64() (float64, bool) { return n.v, n.valid }

// String renders the shortest decimal that round-trips, never in exponent form.
func (n Number) String() string {
	if !n.valid {
		return "null"
	}
	return strconv.FormatFloat(n.v, 'f', -1, 64)
}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = coerceNumber(b)
	return nil
}

func coerceNumber(raw []byte) Number {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Number{}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Number{}
		}
		return ParseNumber(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return ParseNumber(string(raw))
	default:
		return Number{}
	}
}

// looseString accepts strings, numbers and booleans from loosely typed
// clients. null, objects and arrays decode to "".
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*s = ""
		return nil
	}
	switch b[0] {
	case '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case 't', 'f':
		*s = looseString(string(b))
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*s = looseString(coerceNumber(b).String())
	default:
		*s = ""
	}
	return nil
}

// MedicineLine is one drug on a prescription. An empty DosageUnit is null.
type MedicineLine struct {
	ID          string
	Name        string
	DosageValue Number
	DosageUnit  string
	TimesPerDay Number
	TotalDays   Number
}

// Content is the clinical part of a prescription. It is set once at creation
// and has no setters; build it with ContentBuilder or ParseContent.
type Content struct {
	subjectName    string
	subjectContact string
	authorID       string
	age            *int
	sex            string
	medicines      []MedicineLine
	notes          string
}

func (c Content) SubjectName() string    { return c.subjectName }
func (c Content) SubjectContact() string { return c.subjectContact }
func (c Content) AuthorID() string       { return c.authorID }
func (c Content) Sex() string            { return c.sex }
func (c Content) Notes() string          { return c.notes }

// Age returns the subject's age and whether it is known.
func (c Content) Age() (int, bool) {
	if c.age == nil {
		return 0, false
	}
	return *c.age, true
}

// Medicines returns a copy of the medicine lines in prescribed order.
func (c Content) Medicines() []MedicineLine {
	out := make([]MedicineLine, len(c.medicines))
	copy(out, c.medicines)
	return out
}

// MarshalJSON renders the content in its canonical shape.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(formOf(c))
}

// MaxAge is the largest subject age Build accepts.
const MaxAge = 150

// ContentBuilder assembles a Content value.
type ContentBuilder struct {
	c Content
	// badAge is set when an integral age outside 0..MaxAge was supplied.
	badAge bool
}

func NewContentBuilder() *ContentBuilder {
	return &ContentBuilder{}
}

func (b *ContentBuilder) SubjectName(s string) *ContentBuilder {
	b.c.subjectName = s
	return b
}

func (b *ContentBuilder) SubjectContact(s string) *ContentBuilder {
	b.c.subjectContact = s
	return b
}

func (b *ContentBuilder) AuthorID(s string) *ContentBuilder {
	b.c.authorID = s
	return b
}

func (b *ContentBuilder) Age(age int) *ContentBuilder {
	b.c.age = &age
	b.badAge = false
	return b
}

// AgeNumber sets the age from a coerced number. Non-integral or null values
// leave the age unknown; integral values out of range fail Build.
func (b *ContentBuilder) AgeNumber(n Number) *ContentBuilder {
	b.c.age = nil
	b.badAge = false
	f, ok := n.Float64()
	if !ok || f != math.Trunc(f) {
		return b
	}
	if f < 0 || f > MaxAge {
		b.badAge = true
		return b
	}
	age := int(f)
	b.c.age = &age
	return b
}

func (b *ContentBuilder) Sex(s string) *ContentBuilder {
	b.c.sex = s
	return b
}

func (b *ContentBuilder) AddMedicine(m MedicineLine) *ContentBuilder {
	b.c.medicines = append(b.c.medicines, m)
	return b
}

func (b *ContentBuilder) Notes(s string) *ContentBuilder {
	b.c.notes = s
	return b
}

// Build validates and returns the content. The builder can keep being used;
// later changes do not affect the returned value.
func (b *ContentBuilder) Build() (Content, error) {
	if strings.TrimSpace(b.c.subjectName) == "" {
		return Content{}, fmt.Errorf("%w: subjectName is required", ErrInvalidContent)
	}
	if b.badAge || (b.c.age != nil && (*b.c.age < 0 || *b.c.age > MaxAge)) {
		return Content{}, fmt.Errorf("%w: age must be between 0 and %d", ErrInvalidContent, MaxAge)
	}
	if field := b.nulField(); field != "" {
		return Content{}, fmt.Errorf("%w: %s contains a NUL character", ErrInvalidContent, field)
	}
	c := b.c
	c.medicines = make([]MedicineLine, len(b.c.medicines))
	copy(c.medicines, b.c.medicines)
	if b.c.age != nil {
		age := *b.c.age
		c.age = &age
	}
	return c, nil
}

// nulField names the first text field holding U+0000, which Postgres text
// columns cannot store.
func (b *ContentBuilder) nulField() string {
	fields := []struct{ name, v string }{
		{"subjectName", b.c.subjectName},
		{"subjectContact", b.c.subjectContact},
		{"authorId", b.c.authorID},
		{"sex", b.c.sex},
		{"notes", b.c.notes},
	}
	for _, f := range fields {
		if strings.ContainsRune(f.v, 0) {
			return f.name
		}
	}
	for i, m := range b.c.medicines {
		for _, v := range []string{m.ID, m.Name, m.DosageUnit} {
			if strings.ContainsRune(v, 0) {
				return fmt.Sprintf("medicines[%d]", i)
			}
		}
	}
	return ""
}

type medicineInput struct {
	ID          looseString `json:"id"`
	Name        looseString `json:"name"`
	DosageValue Number      `json:"dosageValue"`
	DosageUnit  looseString `json:"dosageUnit"`
	TimesPerDay Number      `json:"timesPerDay"`
	TotalDays   Number      `json:"totalDays"`
}

type contentInput struct {
	SubjectName    looseString     `json:"subjectName"`
	SubjectContact looseString     `json:"subjectContact"`
	AuthorID       looseString     `json:"authorId"`
	Age            Number          `json:"age"`
	Sex            looseString     `json:"sex"`
	Medicines      json.RawMessage `json:"medicines"`
	Notes          looseString     `json:"notes"`
}

// ParseContent decodes a client payload into a builder. Missing fields are
// normalised; a medicines value that is present but not a list is rejected.
// Validation of required fields happens in Build.
func ParseContent(raw []byte) (*ContentBuilder, error) {
	var in contentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	b := NewContentBuilder().
		SubjectName(string(in.SubjectName)).
		SubjectContact(string(in.SubjectContact)).
		AuthorID(string(in.AuthorID)).
		AgeNumber(in.Age).
		Sex(string(in.Sex)).
		Notes(string(in.Notes))

	meds := bytes.TrimSpace(in.Medicines)
	if len(meds) == 0 || bytes.Equal(meds, []byte("null")) {
		return b, nil
	}
	if meds[0] != '[' {
		return nil, fmt.Errorf("%w: medicines must be a list", ErrInvalidContent)
	}
	var lines []medicineInput
	if err := json.Unmarshal(meds, &lines); err != nil {
		return nil, fmt.Errorf("%w: medicines: %v", ErrInvalidContent, err)
	}
	for _, l := range lines {
		b.AddMedicine(MedicineLine{
			ID:          string(l.ID),
			Name:        string(l.Name),
			DosageValue: l.DosageValue,
			DosageUnit:  string(l.DosageUnit),
			TimesPerDay: l.TimesPerDay,
			TotalDays:   l.TotalDays,
		})
	}
	return b, nil
}
