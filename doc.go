// Package layersync serves the HTTP surface of the editor bridge.
//
// An image editor connects to /photoshop_instance over a websocket and
// becomes a sessions.Session. The graph host's frontend queries that session
// through the /sd-ppp/* endpoints, and the editor downloads rendered results
// from /finished_images, each exactly once.
//
// Typical wiring:
//
//	reg := sessions.NewRegistry(sessions.DefaultConfig())
//	cache := memory.New()
//	h, err := layersync.New(ctx, reg, cache, layersync.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	http.ListenAndServe(":8188", h)
package layersync
