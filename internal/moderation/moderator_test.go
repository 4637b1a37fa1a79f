package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newModerator() *Moderator {
	return New(Lists{
		Politics:  []string{"election", "Politics"},
		Crypto:    []string{"bitcoin", "nft"},
		Sensitive: []string{"layoff"},
		Negative:  []string{"wrong", "yanlış", "terrible"},
	})
}

func TestClassify(t *testing.T) {
	m := newModerator()
	cases := []struct {
		text string
		want Kind
	}{
		{"A new devtool for LLM evals", Clean},
		{"Why BITCOIN will save startups", Blocked},
		{"The election and your SaaS", Blocked},
		{"Handling a layoff as a founder", Sensitive},
		{"Layoff rumours hit the NFT market", Blocked},
	}
	for _, tc := range cases {
		v := m.Classify(tc.text)
		assert.Equal(t, tc.want, v.Kind, tc.text)
		if tc.want != Clean {
			assert.NotEmpty(t, v.Reason)
		}
	}
}

func TestIsNegative(t *testing.T) {
	m := newModerator()
	assert.True(t, m.IsNegative("This is wrong"))
	assert.True(t, m.IsNegative("Bence bu tamamen yanlış değil mi"))
	assert.False(t, m.IsNegative("Great write-up, thanks"))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage(""))
	assert.Equal(t, "tr", DetectLanguage("Bu yazı gerçekten çok güzel olmuş, emeğine sağlık kardeşim, devamını bekliyoruz"))
	assert.Equal(t, "Turkish", LanguageName("tr"))
	assert.Equal(t, "English", LanguageName("xx"))
}
