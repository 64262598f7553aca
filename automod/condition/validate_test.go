package condition

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validateText(t *testing.T, text string, frags FragmentLookup) error {
	return Validate(context.Background(), mustParse(t, text), frags)
}

func TestValidateUnknownKey(t *testing.T) {
	assert := assert.New(t)

	err := validateText(t, "title: spam\naciton: remove\n", nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal("aciton", ve.Field)
	assert.Contains(ve.Error(), "aciton")
}

func TestValidateValid(t *testing.T) {
	assert := assert.New(t)

	for _, text := range []string{
		"title: spam\naction: remove\n",
		"Title+Body: [a, b]\ntype: submission\nreports: 2\n",
		"reports: '3'\naction: approve\n",
		"user: bob\nmodifiers: inverse\nis_reply: true\n",
		"domain: x.com\nmodifiers:\n  domain: full-exact\n",
		"body: x\nuser_conditions:\n  account_age: '< 7'\n  combined_karma: '> -10'\n  rank: '== moderator'\n  is_gold: false\n  must_satisfy: any\n",
		"body: x\nuser_conditions:\n  comment_karma: 5\n",
		"body: x\nmessage: hi\nmessage_subject: hello {{user}}\nlink_flair_class: 3\n",
	} {
		assert.NoError(validateText(t, text, nil), text)
	}
}

func TestValidateInvalid(t *testing.T) {
	assert := assert.New(t)

	for _, tc := range []struct {
		text  string
		field string
	}{
		{"title: ''\n", "title"},
		{"title: []\n", "title"},
		{"body: x\nuser_conditions:\n  rank: ~\n", "rank"},
		{"body: x\nuser_conditions: old\n", "user_conditions"},
		{"body: x\nuser_conditions:\n  karma: 5\n", "user_conditions"},
		{"body: x\nmodifiers:\n  title: inverse\n", "modifiers"},
		{"body: x\nmodifiers: sorta-includes\n", "modifiers"},
		{"body: x\nis_reply: 'yes'\n", "is_reply"},
		{"body: x\nignore_blockquotes: 1\n", "ignore_blockquotes"},
		{"body: x\nreports: many\n", "reports"},
		{"body: x\ncomment: [a, b]\n", "comment"},
		{"body: x\nlink_flair_text: [a, b]\n", "link_flair_text"},
		{"body: x\nuser_flair_text: [a]\n", "user_flair_text"},
		{"body: x\nuser_flair_class:\n  a: b\n", "user_flair_class"},
		{"body: x\naction: delete\n", "action"},
		{"body: x\ntype: link\n", "type"},
		{"body: x\nuser_conditions:\n  account_age: '<< 7'\n", "account_age"},
		{"body: x\nuser_conditions:\n  account_age: 'a week'\n", "account_age"},
		{"body: x\nuser_conditions:\n  rank: admin\n", "rank"},
		{"body: x\nuser_conditions:\n  is_shadowbanned: 'no'\n", "is_shadowbanned"},
		{"body: x\nuser_conditions:\n  must_satisfy: most\n", "must_satisfy"},
		{"title+bogus: x\n", "title+bogus"},
	} {
		err := validateText(t, tc.text, nil)
		var ve *ValidationError
		if assert.True(errors.As(err, &ve), tc.text) {
			assert.Equal(tc.field, ve.Field, tc.text)
		}
	}
}

func TestValidateStandard(t *testing.T) {
	assert := assert.New(t)

	frags := StaticFragments{
		"image hosts": mustParse(t, "domain: [imgur.com]\naction: spam\n"),
	}
	assert.NoError(validateText(t, "standard: image hosts\nuser: bob\n", frags))

	err := validateText(t, "standard: video hosts\n", frags)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal("standard", ve.Field)

	// fragment values count towards modifier targets
	assert.NoError(validateText(t, "standard: image hosts\nmodifiers:\n  domain: includes\n", frags))
}

func TestValidateSections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	sections, err := ParseSections("a comment section\n---\ntitle: spam\n---\naciton: remove\n")
	require.NoError(t, err)
	err = ValidateSections(ctx, sections, nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(3, ve.Section)
	assert.Contains(err.Error(), "section #3")

	sections, err = ParseSections("title: spam\n---\nbody: '(?<=x)'\nmodifiers: regex\n")
	require.NoError(t, err)
	err = ValidateSections(ctx, sections, nil)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(2, ce.Section)

	sections, err = ParseSections("title: spam\n---\nbody: eggs\naction: report\n")
	require.NoError(t, err)
	assert.NoError(ValidateSections(ctx, sections, nil))
}
