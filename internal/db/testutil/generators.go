// Package testutil provides shared generators for property-based testing.
// The string generators are intentionally aggressive to catch edge cases.
package testutil

import (
	"pgregory.net/rapid"
)

// ArbitraryString generates truly arbitrary strings including:
// - Empty strings
// - Null bytes
// - Unicode (CJK, Arabic, emoji)
// - SQL injection attempts
// - Very long strings
func ArbitraryString() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.String(),
		rapid.Just(""),
		rapid.Just("\x00"),
		rapid.Just("test\x00test"),
		rapid.StringMatching(`[a-zA-Z0-9 ]{0,100}`),
		arbitrarySQLInjection(),
		arbitraryUnicode(),
		arbitraryLongString(),
	)
}

// ArbitraryConnectionName generates names users might give a warehouse connection.
func ArbitraryConnectionName() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[a-z][a-z0-9_-]{0,30}`),
		rapid.SampledFrom([]string{"shared", "default", "prod", "analytics", "Snowflake Prod"}),
		arbitrarySQLInjection(),
		arbitraryUnicode(),
	)
}

// ArbitraryConnectionURL generates plaintext warehouse URLs, most with credentials.
func ArbitraryConnectionURL() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.Custom(func(t *rapid.T) string {
			scheme := rapid.SampledFrom([]string{"postgresql", "snowflake", "bigquery", "mysql", "duckdb"}).Draw(t, "scheme")
			user := rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "user")
			pass := rapid.StringMatching(`[A-Za-z0-9!%^*]{0,24}`).Draw(t, "pass")
			host := rapid.StringMatching(`[a-z]{1,12}\.example\.com`).Draw(t, "host")
			return scheme + "://" + user + ":" + pass + "@" + host + "/db"
		}),
		rapid.StringMatching(`[ -~]{1,200}`),
		arbitraryUnicode(),
		arbitraryLongString(),
	)
}

// TemplatedConnectionURL generates URLs carrying secret-manager interpolation
// syntax, which must stay readable in plaintext.
func TemplatedConnectionURL() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		ref := rapid.StringMatching(`[A-Z_]{1,16}`).Draw(t, "ref")
		style := rapid.SampledFrom([]string{"{{ %s }}", "${%s}"}).Draw(t, "style")
		placeholder := "{{ " + ref + " }}"
		if style == "${%s}" {
			placeholder = "${" + ref + "}"
		}
		return "postgresql://app:" + placeholder + "@db.example.com/warehouse"
	})
}

// ValidOrganizationName generates non-empty organization display names.
func ValidOrganizationName() *rapid.Generator[string] {
	return rapid.OneOf(
		rapid.StringMatching(`[A-Z][a-z]{1,15}( (Inc|LLC|Labs))?`),
		arbitraryUnicode(),
	)
}

// arbitrarySQLInjection generates common SQL injection patterns
func arbitrarySQLInjection() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		`' OR 1=1 --`,
		`'; DROP TABLE connections; --`,
		`" OR "1"="1`,
		`1; SELECT * FROM encrypted_deks`,
		`admin'--`,
		`' UNION SELECT * FROM organizations --`,
		`' OR ''='`,
		`?`,
		`$1`,
	})
}

// arbitraryUnicode generates various Unicode edge cases
func arbitraryUnicode() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{
		"日本語",
		"中文测试",
		"العربية",
		"🔥🎉💻🚀",
		"Zürich",
		"Москва",
		"​",
		"\uFEFF",
		"à",
		"‮" + "reversed" + "‬",
		"👨‍👩‍👧‍👦",
	})
}

// arbitraryLongString generates long strings to test limits
func arbitraryLongString() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		length := rapid.SampledFrom([]int{1000, 10000, 100000}).Draw(t, "length")
		base := "abcdefghij"
		result := make([]byte, length)
		for i := 0; i < length; i++ {
			result[i] = base[i%len(base)]
		}
		return string(result)
	})
}
