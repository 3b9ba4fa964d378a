package prescription

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestNumber_Coercion(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`5`, "5"},
		{`"5"`, "5"},
		{`" 7.25 "`, "7.25"},
		{`-0`, "0"},
		{`1e3`, "1000"},
		{`"abc"`, "null"},
		{`""`, "null"},
		{`null`, "null"},
		{`true`, "null"},
		{`[1]`, "null"},
	}
	for _, tt := range tests {
		var n Number
		if err := json.Unmarshal([]byte(tt.raw), &n); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.raw, err)
		}
		if n.String() != tt.want {
			t.Errorf("Unmarshal(%s) = %s, want %s", tt.raw, n.String(), tt.want)
		}
	}
}

func TestParseContent_LooseStrings(t *testing.T) {
	c := mustParse(t, `{"subjectName":"X","subjectContact":12345,"sex":null,"notes":true}`)
	if c.SubjectContact() != "12345" {
		t.Errorf("expected contact 12345, got %q", c.SubjectContact())
	}
	if c.Sex() != "" {
		t.Errorf("expected empty sex, got %q", c.Sex())
	}
	if c.Notes() != "true" {
		t.Errorf("expected notes 'true', got %q", c.Notes())
	}
}

func TestParseContent_Age(t *testing.T) {
	tests := []struct {
		raw   string
		want  int
		known bool
	}{
		{`{"subjectName":"X","age":34}`, 34, true},
		{`{"subjectName":"X","age":"34"}`, 34, true},
		{`{"subjectName":"X","age":34.5}`, 0, false},
		{`{"subjectName":"X","age":"old"}`, 0, false},
		{`{"subjectName":"X"}`, 0, false},
	}
	for _, tt := range tests {
		age, ok := mustParse(t, tt.raw).Age()
		if ok != tt.known || age != tt.want {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tt.raw, age, ok, tt.want, tt.known)
		}
	}
}

func TestParseContent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"medicines is an object", `{"subjectName":"X","medicines":{"name":"A"}}`},
		{"medicines is a string", `{"subjectName":"X","medicines":"A"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseContent([]byte(tt.raw))
			if !errors.Is(err, ErrInvalidContent) {
				t.Errorf("expected ErrInvalidContent, got %v", err)
			}
		})
	}
}

func TestContentBuilder_RequiresSubjectName(t *testing.T) {
	for _, name := range []string{"", "   "} {
		_, err := NewContentBuilder().SubjectName(name).Build()
		if !errors.Is(err, ErrInvalidContent) {
			t.Errorf("SubjectName(%q): expected ErrInvalidContent, got %v", name, err)
		}
	}
}

func TestContentBuilder_RejectsAgeOutOfRange(t *testing.T) {
	for _, age := range []int{-1, MaxAge + 1, math.MaxInt32} {
		_, err := NewContentBuilder().SubjectName("X").Age(age).Build()
		if !errors.Is(err, ErrInvalidContent) {
			t.Errorf("Age(%d): expected ErrInvalidContent, got %v", age, err)
		}
	}
	if _, err := NewContentBuilder().SubjectName("X").Age(MaxAge).Build(); err != nil {
		t.Errorf("Age(%d): %v", MaxAge, err)
	}

	for _, raw := range []string{
		`{"subjectName":"X","age":-3}`,
		`{"subjectName":"X","age":"9999999999999"}`,
	} {
		b, err := ParseContent([]byte(raw))
		if err != nil {
			t.Fatalf("ParseContent(%s): %v", raw, err)
		}
		if _, err := b.Build(); !errors.Is(err, ErrInvalidContent) {
			t.Errorf("%s: expected ErrInvalidContent, got %v", raw, err)
		}
	}
}

func TestContentBuilder_RejectsNUL(t *testing.T) {
	tests := []struct {
		name string
		b    *ContentBuilder
	}{
		{"subject name", NewContentBuilder().SubjectName("A\x00B")},
		{"contact", NewContentBuilder().SubjectName("X").SubjectContact("a\x00@b")},
		{"author", NewContentBuilder().SubjectName("X").AuthorID("dr\x00")},
		{"sex", NewContentBuilder().SubjectName("X").Sex("\x00")},
		{"notes", NewContentBuilder().SubjectName("X").Notes("take\x00daily")},
		{"medicine name", NewContentBuilder().SubjectName("X").AddMedicine(MedicineLine{Name: "Amox\x00"})},
		{"medicine unit", NewContentBuilder().SubjectName("X").AddMedicine(MedicineLine{Name: "A", DosageUnit: "m\x00g"})},
		{"medicine id", NewContentBuilder().SubjectName("X").AddMedicine(MedicineLine{ID: "\x00", Name: "A"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); !errors.Is(err, ErrInvalidContent) {
				t.Errorf("expected ErrInvalidContent, got %v", err)
			}
		})
	}

	b, err := ParseContent([]byte(`{"subjectName":"X","notes":"a\u0000b"}`))
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	if _, err := b.Build(); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("escaped NUL from JSON: expected ErrInvalidContent, got %v", err)
	}
}

func TestContentBuilder_BuildIsolated(t *testing.T) {
	b := NewContentBuilder().SubjectName("X").AddMedicine(MedicineLine{Name: "A"})
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b.AddMedicine(MedicineLine{Name: "B"}).Notes("later")
	if len(c.Medicines()) != 1 || c.Notes() != "" {
		t.Error("builder changes after Build must not leak into the content")
	}

	meds := c.Medicines()
	meds[0].Name = "changed"
	if c.Medicines()[0].Name != "A" {
		t.Error("Medicines must return a copy")
	}
}

func TestContent_MarshalJSON(t *testing.T) {
	c := mustParse(t, patelJSON)
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back map[string]interface{}
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["subjectName"] != "A. Patel" {
		t.Errorf("unexpected subjectName %v", back["subjectName"])
	}
	meds, ok := back["medicines"].([]interface{})
	if !ok || len(meds) != 1 {
		t.Fatalf("unexpected medicines %v", back["medicines"])
	}
}
