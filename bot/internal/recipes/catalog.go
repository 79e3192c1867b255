// Package recipes selects catalog recipes that fit a profile before they are
// shown to the generation step.
package recipes

import (
	"context"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

// Query is what a Catalog understands. Excluded holds lowercase ingredient
// stems matched as substrings of ingredient names.
type Query struct {
	Category string
	Excluded []string
	Limit    int
}

type Catalog interface {
	Search(ctx context.Context, q Query) ([]models.Recipe, error)
}
