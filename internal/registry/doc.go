// Package registry reads the module registry.
//
// Modules are created and edited by an external service; this package only
// reads them. The schema lives in the top-level migrations package.
package registry
