package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Title string `json:"title"`
	Carbs float64
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := New(client)
	ctx := context.Background()

	var got []item
	hit, err := c.GetJSON(ctx, "recipes:abc", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	want := []item{{Title: "Omelette", Carbs: 2}}
	require.NoError(t, c.SetJSON(ctx, "recipes:abc", want, 300*time.Second))

	hit, err = c.GetJSON(ctx, "recipes:abc", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)

	mr.FastForward(301 * time.Second)
	hit, err = c.GetJSON(ctx, "recipes:abc", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_DecodeError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, mr.Set("recipes:bad", "{"))

	var got []item
	hit, err := New(client).GetJSON(context.Background(), "recipes:bad", &got)
	assert.False(t, hit)
	assert.Error(t, err)
}
