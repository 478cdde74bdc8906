// Package costing holds the pure arithmetic of batch costing: unit
// conversion, recipe line costing, batch figures, proportional overhead
// allocation and day-end reconciliation. It performs no I/O.
//
// Money is rounded half-up to 2 places, stock quantities to 3.
package costing
