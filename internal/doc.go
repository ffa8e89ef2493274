// Package internal contains the core implementation packages for kiln.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - plugins: Plugin contract and the ordered hook container
//   - plugins/builtin: Built-in plugins (esbuild, css, json, import analysis, client)
//   - modgraph: Module graph with dual url/id indexes and importer edges
//   - transform: Request pipeline with in-flight dedup and etag caching
//   - resolver: Bare, relative and package exports resolution
//   - hmr: Change propagation to HMR boundaries and client payloads
//   - build: Production walk and esbuild bundling
//   - sfc: Single-file component parsing and block compilation
//   - analysis: Import and export scanning of transformed code
//   - sourcemap: Source map decoding, chaining and inline encoding
//   - session: Wires one dev or build session together
//   - server: HTTP handlers, websocket hub and error overlay
//   - watcher: Debounced file system notifications
//   - config, logging, errors, telemetry, version: Ambient services
//
// # Request Flow
//
// A browser request for a module URL enters the server, which hands it to
// the transform pipeline. The pipeline resolves the URL through the plugin
// container, loads and transforms the code, then rewrites its imports and
// records the edges in the module graph. File changes reach the hmr
// controller through the watcher, which walks the graph to the nearest
// accepting modules and broadcasts an update over the websocket hub.
package internal
