// Package embeddings is the embedding gateway for loopd.
//
// Three providers are supported: FastEmbed (local ONNX, requires cgo), TEI
// (a Text Embeddings Inference server over HTTP) and OpenAI through
// langchaingo. The Gateway wraps a provider with input validation, optional
// rate limiting, dimension checks and metrics, and maps failures onto the
// loop error taxonomy.
package embeddings
