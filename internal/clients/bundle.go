package clients

// Bundle groups the collaborators one worker owns. Redis pools are
// per-worker and never shared across workers.
type Bundle struct {
	DNS   Resolver
	HTTP  HTTPClient
	Redis Redis
}

// Close releases pooled resources.
func (b *Bundle) Close() error {
	if b.Redis != nil {
		return b.Redis.Close()
	}
	return nil
}
