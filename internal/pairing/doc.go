// Package pairing binds unowned devices to user accounts through short
// human-typeable entry codes, materialising the object graph a paired
// device expects on its next sync.
package pairing
