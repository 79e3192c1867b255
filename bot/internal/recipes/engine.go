package recipes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/common/logging"
)

const (
	DefaultCacheTTL   = 300 * time.Second
	DefaultFetchLimit = 30
)

// restrictionStems maps profile restrictions to ingredient name stems.
var restrictionStems = map[string][]string{
	"dairy_free":     {"milk", "cream", "sour cream", "cottage cheese", "cheese", "butter"},
	"lactose_free":   {"milk", "cream", "sour cream", "cottage cheese", "kefir", "yogurt"},
	"nut_free":       {"nut", "almond", "hazelnut", "cashew", "pecan", "walnut"},
	"egg_free":       {"egg"},
	"gluten_free":    {"wheat", "bread", "breadcrumb"},
	"pork_free":      {"pork", "bacon", "lard", "ham"},
	"soy_free":       {"soy"},
	"fish_free":      {"fish", "salmon", "tuna", "cod", "trout"},
	"shellfish_free": {"shrimp", "prawn", "crab", "mussel", "squid"},
}

var tasteKeywords = map[string][]string{
	"sweet": {"sweet", "dessert", "chocolate", "vanilla", "berr", "honey", "erythritol", "cinnamon"},
	"salty": {"salty", "salted", "cheese", "bacon", "pickled", "olive"},
	"spicy": {"spicy", "pepper", "chili", "chilli", "curry", "ginger", "paprika", "jalapeno"},
	"sour":  {"sour", "lemon", "lime", "vinegar", "fermented", "pickled"},
}

// Cache is the subset of the Redis cache the engine needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

type EngineConfig struct {
	CacheTTL   time.Duration
	FetchLimit int
}

// Engine picks the best catalog recipes for a profile.
type Engine struct {
	catalog Catalog
	cache   Cache
	cfg     EngineConfig
	logger  *logging.Logger

	// jitter adds variety between equally scored recipes.
	jitter func() float64
}

// NewEngine builds an engine. cache may be nil.
func NewEngine(catalog Catalog, cache Cache, cfg EngineConfig, logger *logging.Logger) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		catalog: catalog,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		jitter:  func() float64 { return rand.Float64() * 0.5 },
	}
}

// Find returns up to q.Limit recipes (5 when q is nil) that avoid every
// ingredient the profile rules out, best first.
func (e *Engine) Find(ctx context.Context, profile *models.Profile, q *models.RecipeQuery) ([]models.Recipe, error) {
	var category, taste string
	var maxTime int
	limit := models.DefaultRecipeLimit

	exclusions := ProfileExclusions(profile)
	if q != nil {
		exclusions = append(exclusions, q.ExcludeIngredients...)
		category, taste, maxTime = q.Category, q.Taste, q.MaxCookingTime
		if q.Limit > 0 {
			limit = q.Limit
		}
	}
	exclusions = normalizeStems(exclusions)

	key := CacheKey(category, exclusions, maxTime)
	recipes, hit := e.fromCache(ctx, key)
	if !hit {
		found, err := e.catalog.Search(ctx, Query{Category: category, Excluded: exclusions, Limit: e.cfg.FetchLimit})
		if err != nil {
			return nil, err
		}
		recipes = filterByCookingTime(found, maxTime)
		if len(recipes) > 0 {
			e.toCache(ctx, key, recipes)
		}
	}

	ranked := e.rank(recipes, taste)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (e *Engine) fromCache(ctx context.Context, key string) ([]models.Recipe, bool) {
	if e.cache == nil {
		return nil, false
	}
	var recipes []models.Recipe
	hit, err := e.cache.GetJSON(ctx, key, &recipes)
	if err != nil {
		e.logger.WarnContext(ctx, "recipe_cache_read_failed", logging.Error(err))
		return nil, false
	}
	if hit {
		metrics.RecipeCache.WithLabelValues("hit").Inc()
		return recipes, true
	}
	metrics.RecipeCache.WithLabelValues("miss").Inc()
	return nil, false
}

func (e *Engine) toCache(ctx context.Context, key string, recipes []models.Recipe) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetJSON(ctx, key, recipes, e.cfg.CacheTTL); err != nil {
		e.logger.WarnContext(ctx, "recipe_cache_write_failed", logging.Error(err))
	}
}

type scored struct {
	score  float64
	recipe models.Recipe
}

func (e *Engine) rank(recipes []models.Recipe, taste string) []models.Recipe {
	items := make([]scored, 0, len(recipes))
	for _, r := range recipes {
		items = append(items, scored{score: Score(r, taste) + e.jitter(), recipe: r})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	out := make([]models.Recipe, 0, len(items))
	for _, it := range items {
		out = append(out, it.recipe)
	}
	return out
}

// Score rates a recipe without jitter: lower carbs, quick cooking and a taste
// keyword in the title or description score higher.
func Score(r models.Recipe, taste string) float64 {
	var score float64
	switch carbs := r.Macros.Carbs; {
	case carbs < 5:
		score += 3
	case carbs < 10:
		score += 2
	case carbs < 20:
		score += 1
	}
	if r.CookingTime > 0 && r.CookingTime <= 30 {
		score++
	}
	if taste != "" {
		text := strings.ToLower(r.Title + " " + r.Description)
		for _, kw := range tasteKeywords[taste] {
			if strings.Contains(text, kw) {
				score += 2
				break
			}
		}
	}
	return score
}

// ProfileExclusions derives ingredient stems from restrictions, lactose
// intolerance and allergies. Unknown allergens are excluded by name.
func ProfileExclusions(p *models.Profile) []string {
	if p == nil {
		return nil
	}
	var stems []string
	for _, r := range p.DietaryRestrictions {
		stems = append(stems, restrictionStems[r]...)
	}
	if p.LactoseIntolerant {
		stems = append(stems, restrictionStems["lactose_free"]...)
	}
	for _, a := range p.Allergies {
		allergen := strings.ToLower(strings.TrimSpace(a.Allergen))
		if allergen == "" {
			continue
		}
		if s, ok := restrictionStems[allergen+"_free"]; ok {
			stems = append(stems, s...)
		} else {
			stems = append(stems, allergen)
		}
	}
	return normalizeStems(stems)
}

// normalizeStems lowercases, dedupes and sorts.
func normalizeStems(stems []string) []string {
	seen := make(map[string]struct{}, len(stems))
	out := make([]string, 0, len(stems))
	for _, s := range stems {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CacheKey is derived from the canonical filter so equal filters share
// an entry regardless of exclusion order.
func CacheKey(category string, exclusions []string, maxTime int) string {
	canonical := struct {
		Category   string   `json:"c"`
		Exclusions []string `json:"e"`
		MaxTime    int      `json:"t"`
	}{category, normalizeStems(exclusions), maxTime}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return "recipes:" + hex.EncodeToString(sum[:])[:12]
}

func filterByCookingTime(recipes []models.Recipe, maxTime int) []models.Recipe {
	if maxTime <= 0 {
		return recipes
	}
	out := recipes[:0:0]
	for _, r := range recipes {
		if r.CookingTime > 0 && r.CookingTime <= maxTime {
			out = append(out, r)
		}
	}
	return out
}

// LooksLikeRecipeRequest is a keyword check for messages asking what to cook
// or eat.
func LooksLikeRecipeRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range requestKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var requestKeywords = []string{
	"recipe", "cook", "make for", "what to eat", "what should i eat", "what can i eat",
	"breakfast", "lunch", "dinner", "snack", "dessert", "soup", "salad",
	"hungry", "suggest", "meal idea",
}
