package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/session"
)

const storeSlug = "store"

func decodeStoreSettings(parsed *values.Values) (contextstore.Settings, error) {
	s := contextstore.Settings{}
	if err := parsed.DecodeSectionInto(storeSlug, &s); err != nil {
		return s, errors.Wrap(err, "init store settings")
	}
	return s, nil
}

// openSession opens the configured store and a controller persisting into
// it. The returned cleanup drains pending writes before closing the store.
func openSession(s contextstore.Settings) (*session.Controller, contextstore.Store, func(), error) {
	store, err := contextstore.Open(s)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open context store")
	}
	c := session.NewController(session.WithStore(store, s.Prefix))
	cleanup := func() {
		_ = c.Close()
		_ = store.Close()
	}
	return c, store, cleanup, nil
}
