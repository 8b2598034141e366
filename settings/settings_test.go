package settings

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/playpace/playpace/dbopen"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db, nil)
}

func TestLoad_EmptyStoreReturnsDefaults(t *testing.T) {
	s := newStore(t)
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Defaults()
	if got.Step != want.Step || got.SeekSeconds != want.SeekSeconds || got.RememberMode != want.RememberMode {
		t.Errorf("Load: got %+v, want defaults %+v", got, want)
	}
}

func TestLoad_BackfillsMissingKeys(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM settings").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(settingsKeys) {
		t.Errorf("back-filled rows: got %d, want %d", n, len(settingsKeys))
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := Defaults()
	in.Step = 0.25
	in.SeekSeconds = 5
	in.RememberMode = RememberPerSite
	in.IncludeAudio = true
	in.DisabledDomains = []string{"example.com"}
	in.Keymap["increase"] = "BracketRight"

	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Step != 0.25 || got.SeekSeconds != 5 || got.RememberMode != RememberPerSite {
		t.Errorf("roundtrip: got %+v", got)
	}
	if !got.IncludeAudio {
		t.Error("IncludeAudio lost")
	}
	if len(got.DisabledDomains) != 1 || got.DisabledDomains[0] != "example.com" {
		t.Errorf("DisabledDomains: got %v", got.DisabledDomains)
	}
	if got.Keymap["increase"] != "BracketRight" {
		t.Errorf("Keymap: got %v", got.Keymap["increase"])
	}
}

func TestLoad_MalformedValueFallsBackToDefault(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.db.Exec(
		"INSERT INTO settings (key, value, updated_at) VALUES ('step', 'not json', 0)"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Step != Defaults().Step {
		t.Errorf("Step after malformed row: got %v, want default", got.Step)
	}
}

func TestLoad_StorageFailureReturnsLastKnown(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s := NewStore(db, nil)
	ctx := context.Background()

	in := Defaults()
	in.Step = 0.5
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec("DROP TABLE settings"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err == nil {
		t.Fatal("Load after DROP TABLE: want error")
	}
	if got.Step != 0.5 {
		t.Errorf("fallback settings: got Step=%v, want last-known 0.5", got.Step)
	}
}

func TestSpeed_Modes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Off: nothing stored, nothing returned.
	if err := s.SaveSpeed(ctx, RememberOff, "example.com", 1.5); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Speed(ctx, RememberOff, "example.com"); ok {
		t.Error("RememberOff returned a stored speed")
	}

	// Global: shared across domains.
	if err := s.SaveSpeed(ctx, RememberGlobal, "example.com", 1.75); err != nil {
		t.Fatal(err)
	}
	rate, ok, err := s.Speed(ctx, RememberGlobal, "another.org")
	if err != nil || !ok || rate != 1.75 {
		t.Errorf("global speed: got (%v, %v, %v), want (1.75, true, nil)", rate, ok, err)
	}

	// PerSite: scoped to the domain.
	if err := s.SaveSpeed(ctx, RememberPerSite, "example.com", 2.0); err != nil {
		t.Fatal(err)
	}
	rate, ok, _ = s.Speed(ctx, RememberPerSite, "example.com")
	if !ok || rate != 2.0 {
		t.Errorf("per-site speed: got (%v, %v)", rate, ok)
	}
	if _, ok, _ := s.Speed(ctx, RememberPerSite, "another.org"); ok {
		t.Error("per-site speed leaked across domains")
	}
}

func TestSiteSpeeds_ExcludesGlobal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.SaveSpeed(ctx, RememberGlobal, "", 1.5)
	s.SaveSpeed(ctx, RememberPerSite, "example.com", 2.0)

	speeds, err := s.SiteSpeeds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(speeds) != 1 || speeds["example.com"] != 2.0 {
		t.Errorf("SiteSpeeds: got %v", speeds)
	}
}

func TestDomainDisabled(t *testing.T) {
	s := Settings{DisabledDomains: []string{"Example.com", "media.internal"}}
	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"example.com.evil.net", false},
		{"notexample.com", false},
		{"media.internal", true},
		{"other.org", false},
	}
	for _, tc := range cases {
		if got := s.DomainDisabled(tc.host); got != tc.want {
			t.Errorf("DomainDisabled(%q): got %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	s := Settings{Step: -1, SeekSeconds: 0, RememberMode: "sideways"}
	s.Normalize()
	d := Defaults()
	if s.Step != d.Step || s.SeekSeconds != d.SeekSeconds || s.RememberMode != d.RememberMode {
		t.Errorf("Normalize: got %+v", s)
	}
}
