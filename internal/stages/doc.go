// Package stages contains the reference processors for every pipeline stage
// and the registry that binds a stage daemon name to the entity state it
// consumes.
//
// Every processor must tolerate being re-run on the same entity. Side
// effects are recorded as completion markers in the job identifiers so a
// repeated delivery can skip work that already finished.
package stages
