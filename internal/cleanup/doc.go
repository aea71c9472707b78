// Package cleanup removes terminal batches and jobs from the coordination
// store once their retention has passed, bounding store growth.
//
// Entities are removed under their lock with a version-conditional delete,
// so an entity that was requeued or locked by a daemon between the scan and
// the removal is left alone. Jobs go first; a batch is removed only once none
// of its children remain.
package cleanup
