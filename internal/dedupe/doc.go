// Package dedupe tracks recently seen callback identifiers so that a workflow
// callback delivered more than once is applied only once.
//
// A key is claimed before the callback is applied, completed on success and
// forgotten on failure. A redelivery that arrives while the first delivery is
// still pending sees StatePending and should be retried by the sender.
package dedupe
