package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsPatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, `%"offline\_1\_a"%`, ContainsPattern(`"offline_1_a"`))
	assert.Equal(t, `%50\%\\x%`, ContainsPattern(`50%\x`))
}

func TestContainsPatternMatchesLiterally(t *testing.T) {
	client := newSQLiteClient(t)
	require.NoError(t, client.DB().Create(&note{Body: `{"id":"offline_1_a"}`}).Error)
	require.NoError(t, client.DB().Create(&note{Body: `{"id":"offlineX1Ya"}`}).Error)

	var bodies []string
	require.NoError(t, client.DB().Model(&note{}).
		Where("body LIKE ? "+LikeEscape, ContainsPattern(`"offline_1_a"`)).
		Pluck("body", &bodies).Error)
	assert.Equal(t, []string{`{"id":"offline_1_a"}`}, bodies)
}
