package util

import (
	"testing"

	"icdcompass/internal"
)

func TestCanonicalRevision(t *testing.T) {
	cases := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "ICD9", want: "ICD-9", ok: true},
		{input: "icd-9-cm", want: "ICD-9", ok: true},
		{input: "ICD 9", want: "ICD-9", ok: true},
		{input: " ICD-10-GM ", want: "ICD-10", ok: true},
		{input: "icd_10", want: "ICD-10", ok: true},
		{input: "ICD-O-3", want: "ICD-O-3", ok: false},
		{input: "ICPC-2", want: "ICPC-2", ok: false},
		{input: "ICD-42", want: "ICD-42", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, ok := CanonicalRevision(tc.input, nil)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("got %q,%v want %q,%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestCanonicalRevisionAlias(t *testing.T) {
	aliases := map[string]string{RevisionKey("ICD-O-3"): "ICD-O"}
	got, ok := CanonicalRevision("icd o 3", aliases)
	if !ok || got != "ICD-O" {
		t.Fatalf("got %q,%v", got, ok)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode(" i21 .9 "); got != "I21.9" {
		t.Fatalf("got %q", got)
	}
	// full-width digits fold to ASCII
	if got := NormalizeCode("Ｉ２１"); got != "I21" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyPunctuation(t *testing.T) {
	cases := []struct {
		name string
		code string
		rule internal.RevisionRule
		want string
	}{
		{name: "keep", code: "410.0", rule: internal.RevisionRule{Punctuation: internal.PunctuationKeep}, want: "410.0"},
		{name: "default keeps", code: "410.0", rule: internal.RevisionRule{}, want: "410.0"},
		{name: "strip", code: "I21.9", rule: internal.RevisionRule{Punctuation: internal.PunctuationStrip}, want: "I219"},
		{name: "strip comma", code: "410,0", rule: internal.RevisionRule{Punctuation: internal.PunctuationStrip}, want: "4100"},
		{name: "insert", code: "I219", rule: internal.RevisionRule{Punctuation: internal.PunctuationInsert, DotAfter: 3}, want: "I21.9"},
		{name: "insert redotted", code: "I2.19", rule: internal.RevisionRule{Punctuation: internal.PunctuationInsert, DotAfter: 3}, want: "I21.9"},
		{name: "insert short", code: "I21", rule: internal.RevisionRule{Punctuation: internal.PunctuationInsert, DotAfter: 3}, want: "I21"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ApplyPunctuation(tc.code, tc.rule); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
