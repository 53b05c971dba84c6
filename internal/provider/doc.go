// Package provider abstracts the configured language-model vendors behind a
// single completion signature.
//
// # Backends
//
// Each configured provider gets one Backend: OpenAI-compatible vendors share
// OpenAIBackend with a per-provider base URL, and Anthropic uses its own
// messages API client. Backends are assembled from config at startup and
// read-only afterwards.
//
// # Router
//
// Router.CompleteWithFallback tries the preferred provider, then the rest of
// the fixed priority order, and raises ErrAllProvidersFailed only when every
// backend failed. Response envelopes are parsed leniently: a reply wrapped
// in markdown fences is unwrapped and retried, and unparseable replies are
// taken verbatim as content with a reduced confidence score. A parse problem
// never reaches the caller as an error.
package provider
