package drip

import (
	"errors"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/model"
)

func TestCollection_RegisterDuplicate(t *testing.T) {
	c := NewCollection()

	if err := c.Register(New("welcome", Delay(0))); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := c.Register(New("welcome", Delay(time.Hour)))
	var dup *DuplicateActionError
	if !errors.As(err, &dup) {
		t.Fatalf("Register() duplicate error = %v, want DuplicateActionError", err)
	}
	if dup.Action != "welcome" {
		t.Errorf("DuplicateActionError.Action = %q, want welcome", dup.Action)
	}

	// The first registration is kept
	def, ok := c.Resolve("welcome")
	if !ok {
		t.Fatal("Resolve(welcome) not found")
	}
	if def.Delay != 0 {
		t.Errorf("Resolve(welcome).Delay = %v, want 0", def.Delay)
	}
	if actions := c.Actions(); len(actions) != 1 {
		t.Errorf("Actions() = %v, want one action", actions)
	}
}

func TestCollection_Resolve(t *testing.T) {
	c := NewCollection()
	c.Register(New("welcome"))

	if _, ok := c.Resolve("missing"); ok {
		t.Error("Resolve(missing) should not be found")
	}
	if def, ok := c.Resolve("welcome"); !ok || def.Action != "welcome" {
		t.Errorf("Resolve(welcome) = %v, %v", def, ok)
	}
}

func TestCollection_FirstApplicableOrder(t *testing.T) {
	c := NewCollection()
	never := func(m *model.Mailing) bool { return false }

	c.Register(New("intro", Enabled(never)))
	c.Register(New("second"))
	c.Register(New("third"))

	def := c.FirstApplicable(&model.Mailing{})
	if def == nil || def.Action != "second" {
		t.Fatalf("FirstApplicable() = %v, want second", def)
	}

	empty := NewCollection()
	empty.Register(New("only", Enabled(never)))
	if def := empty.FirstApplicable(&model.Mailing{}); def != nil {
		t.Errorf("FirstApplicable() = %v, want nil", def.Action)
	}
}

func TestCollection_Remove(t *testing.T) {
	c := NewCollection()
	c.Register(New("a"))
	c.Register(New("b"))
	c.Register(New("c"))

	if !c.Remove("b") {
		t.Fatal("Remove(b) = false")
	}
	if c.Remove("b") {
		t.Error("second Remove(b) = true")
	}

	got := c.Actions()
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Actions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Actions()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Removed action may be registered again
	if err := c.Register(New("b")); err != nil {
		t.Errorf("Register(b) after Remove error = %v", err)
	}
}

func TestDefinition_SendAt(t *testing.T) {
	ref := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		def   *Definition
		prior *model.Mailing
		want  time.Time
	}{
		{
			name: "delay from reference",
			def:  New("welcome", Delay(3*time.Hour)),
			want: ref.Add(3 * time.Hour),
		},
		{
			name: "periodical first occurrence",
			def:  New("daily", Every(24*time.Hour, nil)),
			want: ref,
		},
		{
			name:  "periodical follows prior send time",
			def:   New("daily", Every(24*time.Hour, nil)),
			prior: &model.Mailing{SendAt: ref.Add(48 * time.Hour)},
			want:  ref.Add(72 * time.Hour),
		},
		{
			name: "periodical custom start",
			def: New("weekly", Every(7*24*time.Hour, func(prior *model.Mailing) time.Time {
				return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
			})),
			prior: &model.Mailing{SendAt: ref},
			want:  time.Date(2024, 2, 8, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.def.SendAt(ref, tt.prior)
			if !got.Equal(tt.want) {
				t.Errorf("SendAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefinition_Mailing(t *testing.T) {
	def := New("welcome", Mailer("onboarding"))
	sub := &model.Subscription{ID: "sub-1", Campaign: "trial"}
	at := time.Now()

	m := def.Mailing(sub, at)
	if m.SubscriptionID != "sub-1" || m.Campaign != "trial" {
		t.Errorf("Mailing() subscription fields = %+v", m)
	}
	if m.MailerClass != "onboarding" || m.MailerAction != "welcome" {
		t.Errorf("Mailing() mailer fields = %s/%s", m.MailerClass, m.MailerAction)
	}
	if !m.SendAt.Equal(at) {
		t.Errorf("Mailing().SendAt = %v, want %v", m.SendAt, at)
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := &DeliveryError{MailingID: "m1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("DeliveryError should unwrap to its cause")
	}

	unresolved := &UnresolvedDripError{Campaign: "trial", Action: "gone"}
	if unresolved.Error() == "" {
		t.Error("UnresolvedDripError message is empty")
	}
}

func TestCollection_MustResolve(t *testing.T) {
	c := NewCollection()
	c.Register(New("welcome"))

	if def, err := c.MustResolve("onboarding", "welcome"); err != nil || def.Action != "welcome" {
		t.Errorf("MustResolve(welcome) = %v, %v", def, err)
	}

	_, err := c.MustResolve("onboarding", "missing")
	var unresolved *UnresolvedDripError
	if !errors.As(err, &unresolved) {
		t.Fatalf("MustResolve(missing) error = %v, want UnresolvedDripError", err)
	}
	if unresolved.Campaign != "onboarding" || unresolved.Action != "missing" {
		t.Errorf("UnresolvedDripError = %+v", unresolved)
	}
}
