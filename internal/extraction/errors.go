package extraction

import "fmt"

// IrregularLegStructureError reports a confirmation whose raw settlement
// rows cannot be decomposed into the leg shape its trade type requires.
// The confirmation is moved to ERROR; the batch continues.
type IrregularLegStructureError struct {
	ConfirmationID string
	Reason         string
}

func (e *IrregularLegStructureError) Error() string {
	return fmt.Sprintf("confirmation %s has an irregular leg structure: %s", e.ConfirmationID, e.Reason)
}
