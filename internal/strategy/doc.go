// Package strategy defines packet-manipulation actions, the strategies that
// group them, and the static data used to enumerate them.
//
// An Action formats as one comma-delimited line understood by the mutation
// proxy. The Catalog drives brute-force enumeration and the RuleTable maps
// state-machine path conditions to candidate manipulations. Both ship as
// embedded YAML defaults and may be replaced from files.
package strategy
