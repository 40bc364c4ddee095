// Package telecore is the real-time core of the telemetry platform: a
// set of components that share a Redis data bus and keep device data,
// model views, control commands, alarms and live subscribers in sync.
//
// # Architecture
//
// Field gateways write raw point values into per-channel hashes on the
// bus. Everything downstream is a view of, or a reaction to, those
// hashes:
//
//	┌──────────────┐   comsrv:<ch>:<type>   ┌──────────────┐
//	│   Gateways   ├───────────────────────►│   Data Bus   │
//	└──────────────┘                        │   (Redis)    │
//	┌──────────────┐  sync rules            └──────┬───────┘
//	│ Sync Engine  │◄──────────────────────────────┤
//	└──────────────┘  mirrors raw maps into        │
//	                  model measurement views      │
//	┌──────────────┐  rulesrv:rule:*               │
//	│Rule Evaluator│◄──────────────────────────────┤
//	└──────┬───────┘  conditions over points       │
//	       │ raises                                │
//	┌──────▼───────┐  alarmsrv:*                   │
//	│Alarm Manager │◄──────────────────────────────┤
//	└──────────────┘                               │
//	┌──────────────┐  <src>:trigger:<ch>:<type>    │
//	│  Dispatcher  │◄──────────────────────────────┤
//	└──────────────┘  pops commands, executes,     │
//	                  writes completion records    │
//	┌──────────────┐  websocket                    │
//	│    Broker    │◄──────────────────────────────┘
//	└──────────────┘  pushes coalesced changes to clients
//
// # Packages
//
// Core data plane:
//   - bus: Redis keyspace client and the bit-exact key layout
//   - point: point types, value encoding, command and completion codecs
//   - model: device model store with reverse lookups and template sets
//
// Components:
//   - syncengine: rule-driven mirroring between bus namespaces
//   - dispatch: command queue consumers and device execution
//   - rule: condition evaluation, cooldown state, alarm and command actions
//   - alarm: alarm lifecycle, dedup by source, status indexes
//   - broker: websocket subscriptions, control requests, alarm pushes
//
// Infrastructure:
//   - config: YAML configuration with environment overrides
//   - errors: classified errors and the shared sentinel taxonomy
//   - metric: Prometheus registry and core component metrics
//   - service: engine wiring all enabled components together
//
// # Binary
//
// Build and run the service:
//
//	go build -o bin/telecore ./cmd/telecore
//	./bin/telecore --config configs/telecore.yaml
package telecore
