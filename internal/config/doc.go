// Package config provides configuration management for testctx.
//
// Configuration is loaded from multiple sources and merged in order, with
// later sources overriding earlier ones:
//
//  1. Default configuration (compiled in)
//  2. User configuration (~/.config/testctx/config.yaml)
//  3. Project configuration (./.testctx/config.yaml)
//  4. TESTCTX_ environment variables, optionally loaded from a .env file
//
// The result is read once at process start and never changed afterwards.
//
// # Configuration Structure
//
//	mode:
//	  default: isolated
//	fixtures:
//	  dir: ./fixtures
//	  bundle: optimal-assignment
//	  overrides:
//	    routes: dense-routes
//	  storeDir: /tmp/testctx
//	live:
//	  store: postgres://qa@db/app
//	  requiredKinds: [customers, routes, tickets]
//	  manifestDir: .testctx/manifests
//	safety:
//	  marker: TEST_
//	  boundary: {minLat: 40.5, maxLat: 41.0, minLng: -74.3, maxLng: -73.7}
//	  allowedOwners: [qa]
//	timeouts:
//	  setupTimeout: 60s
//	  validateTimeout: 30s
//	  cleanupTimeout: 30s
//	  elementWait: 10s
//	elements:
//	  file: .testctx/elements.yaml
//	scenarios:
//	  path: .testctx/scenarios
//	logLevel: info
//
// # Environment Variables
//
//   - TESTCTX_MODE: pins every scenario to one mode
//   - TESTCTX_MODE_DEFAULT: mode for untagged scenarios
//   - TESTCTX_FIXTURE_DIR, TESTCTX_FIXTURE_BUNDLE: fixture bundles
//   - TESTCTX_FIXTURE_BUNDLE_<KIND>: bundle for one entity kind
//   - TESTCTX_FIXTURE_DB_DIR: disposable store directory; isolated mode needs it
//   - TESTCTX_LIVE_STORE, TESTCTX_LIVE_TOKEN: live store and credentials
//   - TESTCTX_TEST_MARKER: test-data marker prefix
//   - TESTCTX_MANIFEST_DIR: cleanup manifest directory
//   - TESTCTX_LOG_LEVEL: debug, info, warn or error
//
// The live token is only ever read from the environment.
package config
