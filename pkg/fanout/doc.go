// Package fanout decides which rooms receive an event and what each room may see.
//
// Resolve maps an event to a list of Routes. The directly subscribed room of an event
// (a facility room, a user room, the admins room for alerts) gets the full payload;
// every wider audience gets a projection that keeps only an explicit set of fields.
// Dispatch encodes every route once and hands it to a Deliverer, normally the
// connection registry.
package fanout
