// Package injector pushes the style sheets and scripts of every
// content_scripts declaration into the documents that are already open and
// match the declaration's patterns.
//
// A run is strictly serial. Declarations are handled in manifest order, the
// documents of one declaration in the order the host returned them, and the
// resources of one document styles first then scripts, each in declared
// order. No host call is issued before the previous one returned, and the
// first failure ends the run.
//
// The declaration list, document enumeration, the two insertion operations
// and the privileged-address rule are all supplied by the caller, so the
// ordering logic here is host agnostic.
package injector
