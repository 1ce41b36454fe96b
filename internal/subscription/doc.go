// Package subscription keeps broker subscriptions in step with the module
// registry.
//
// Every module maps to one site pattern, customer/country_city/#, built by
// mqtt.SitePattern. The Manager subscribes each distinct pattern once and
// remembers it. The set only grows under the default AppendOnly policy, so a
// module deleted upstream leaves its subscription in place.
//
// New modules are picked up three ways: Initialize at startup, SubscribeForModule
// when the CRUD service announces a module, and the periodic resync in Run.
package subscription
