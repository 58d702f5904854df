package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCarriesAppNameAndCommit(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, AppName+"/"))

	rev := strings.TrimPrefix(full, AppName+"/")
	assert.NotEmpty(t, rev)
	assert.LessOrEqual(t, len(rev), 8)
}
