package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testToken(suffix string) Token {
	return Token{
		AccessToken:     "access-" + suffix,
		RefreshToken:    "refresh-" + suffix,
		ExpiresIn:       3599,
		ExpiryTimestamp: 1700000000,
	}
}

func TestUpsertAccountInsertAndUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.UpsertAccount(ctx, "a@example.com", "Alice", testToken("1"))
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", created.Email)
	assert.Equal(t, "Alice", created.Name)
	assert.True(t, created.IsCurrent)

	// Same email replaces the token, keeps the id.
	updated, err := st.UpsertAccount(ctx, "a@example.com", "Alice B", testToken("2"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Alice B", updated.Name)
	assert.Equal(t, "access-2", updated.Token.AccessToken)

	accounts, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestOnlyFirstAccountBecomesCurrent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.UpsertAccount(ctx, "a@example.com", "", testToken("1"))
	require.NoError(t, err)
	second, err := st.UpsertAccount(ctx, "b@example.com", "", testToken("2"))
	require.NoError(t, err)

	assert.True(t, first.IsCurrent)
	assert.False(t, second.IsCurrent)
}

func currentCount(t *testing.T, st *Store) int {
	t.Helper()
	accounts, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	count := 0
	for _, a := range accounts {
		if a.IsCurrent {
			count++
		}
	}
	return count
}

func TestSwitchCurrentKeepsSingleCurrent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, "a@example.com", "", testToken("1"))
	require.NoError(t, err)
	b, err := st.UpsertAccount(ctx, "b@example.com", "", testToken("2"))
	require.NoError(t, err)

	require.NoError(t, st.SwitchCurrent(ctx, b.ID))
	assert.Equal(t, 1, currentCount(t, st))

	loaded, err := st.LoadAccount(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsCurrent)

	require.NoError(t, st.SwitchCurrent(ctx, a.ID))
	assert.Equal(t, 1, currentCount(t, st))

	assert.Error(t, st.SwitchCurrent(ctx, "missing-id"))
	assert.Equal(t, 1, currentCount(t, st))
}

func TestDeleteCurrentPromotesAnother(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, "a@example.com", "", testToken("1"))
	require.NoError(t, err)
	_, err = st.UpsertAccount(ctx, "b@example.com", "", testToken("2"))
	require.NoError(t, err)

	require.NoError(t, st.DeleteAccounts(ctx, a.ID))

	accounts, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "b@example.com", accounts[0].Email)
	assert.True(t, accounts[0].IsCurrent)
}

func TestDisableEnableRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, "a@example.com", "", testToken("1"))
	require.NoError(t, err)

	require.NoError(t, st.SetDisabled(ctx, a.ID, "invalid_grant"))
	loaded, err := st.LoadAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Disabled)
	assert.Equal(t, "invalid_grant", loaded.DisabledReason)
	assert.NotZero(t, loaded.DisabledAt)

	require.NoError(t, st.SetEnabled(ctx, a.ID))
	loaded, err = st.LoadAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Disabled)
	assert.Empty(t, loaded.DisabledReason)
}

func TestUpdateTokenAndMetadata(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, "a@example.com", "", testToken("1"))
	require.NoError(t, err)

	require.NoError(t, st.UpdateToken(ctx, a.ID, "fresh-access", 3599, 1800000000))
	require.NoError(t, st.UpdateProjectID(ctx, a.ID, "projects/p-9"))
	require.NoError(t, st.UpdateTier(ctx, a.ID, "g1-ultra"))

	loaded, err := st.LoadAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", loaded.Token.AccessToken)
	assert.Equal(t, int64(1800000000), loaded.Token.ExpiryTimestamp)
	assert.Equal(t, "projects/p-9", loaded.Token.ProjectID)
	assert.Equal(t, "g1-ultra", loaded.Token.Tier)
}

func TestConfigKV(t *testing.T) {
	st := openTestStore(t)

	value, err := st.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, st.SetConfig("app_config", `{"proxy":{}}`))
	value, err = st.GetConfig("app_config")
	require.NoError(t, err)
	assert.Equal(t, `{"proxy":{}}`, value)

	require.NoError(t, st.SetConfig("app_config", `{"proxy":{"port":4000}}`))
	value, err = st.GetConfig("app_config")
	require.NoError(t, err)
	assert.Equal(t, `{"proxy":{"port":4000}}`, value)

	require.NoError(t, st.DeleteConfig("app_config"))
	value, err = st.GetConfig("app_config")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestProxyLogPagingAndClear(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.insertProxyLog(ProxyLogEntry{
			Timestamp:  int64(1000 + i),
			Method:     "POST",
			URL:        "/v1/chat/completions",
			Model:      "gemini-3-flash",
			StatusCode: 200,
			Error:      fmt.Sprintf("e%d", i),
		}))
	}

	total, err := st.CountLogs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	logs, err := st.GetLogs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	// Newest first.
	assert.Equal(t, "e4", logs[0].Error)
	assert.Equal(t, "e3", logs[1].Error)

	logs, err = st.GetLogs(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "e0", logs[0].Error)

	require.NoError(t, st.ClearLogs(ctx))
	total, err = st.CountLogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(dir)
	require.NoError(t, err)
	_, err = st.UpsertAccount(context.Background(), "a@example.com", "", testToken("1"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening runs migrations again and keeps the data.
	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close()

	accounts, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
