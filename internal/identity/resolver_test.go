package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePhoneForms(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"5491155501234@s.whatsapp.net", "5491155501234@s.whatsapp.net"},
		{"5491155501234:12@s.whatsapp.net", "5491155501234@s.whatsapp.net"},
		{"5491155501234", "5491155501234@s.whatsapp.net"},
	}
	for _, c := range cases {
		p := Parse(c.raw)
		assert.Equal(t, KindPhone, p.Kind, c.raw)
		assert.Equal(t, c.want, p.Value, c.raw)
	}
}

func TestParseLinkedForms(t *testing.T) {
	p := Parse("98765432100@lid")
	assert.Equal(t, KindLinked, p.Kind)
	assert.Equal(t, "98765432100@lid", p.Value)

	// device suffix stripped on linked ids too
	p = Parse("98765432100:3@lid")
	assert.Equal(t, "98765432100@lid", p.Value)
}

func TestParseIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, Parse("123:1@s.whatsapp.net"), Parse("123:7@s.whatsapp.net"))
	}
}

func TestCanonicalResolvesLinked(t *testing.T) {
	rev := ReverseMapFunc(func(ctx context.Context, linked string) (string, bool) {
		if linked == "98765@lid" {
			return "54911555@s.whatsapp.net", true
		}
		return "", false
	})
	r := NewResolver(rev)

	p := r.Canonical(context.Background(), "98765@lid")
	assert.Equal(t, KindPhone, p.Kind)
	assert.Equal(t, "54911555@s.whatsapp.net", p.Value)

	// unresolved linked ids keep their linked form
	p = r.Canonical(context.Background(), "11111@lid")
	assert.Equal(t, KindLinked, p.Kind)
	assert.Equal(t, "11111@lid", p.Value)

	// phone forms bypass the reverse map
	p = r.Canonical(context.Background(), "54911555@s.whatsapp.net")
	assert.Equal(t, KindPhone, p.Kind)
}

func TestCanonicalWithoutReverseMap(t *testing.T) {
	r := NewResolver(nil)
	p := r.Canonical(context.Background(), "98765@lid")
	assert.Equal(t, KindLinked, p.Kind)
}

func TestThreadID(t *testing.T) {
	p := Parse("54911555@s.whatsapp.net")
	assert.Equal(t, "7__54911555@s.whatsapp.net", ThreadID(7, p))
}
