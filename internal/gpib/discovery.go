package gpib

import "visa/pkg/visa"

// Discover implements spec.md §4.6's discovery algorithm on one board
// (property 8, scenario S4): for each primary address 0..30, check
// for a listener. If one exists, it is reported as a plain
// `GPIB<board>::<primary>::INSTR` resource and its 31 secondary
// addresses are NOT probed — most devices ignore secondary addressing
// and a probe can upset them. If no listener exists at that primary,
// all 31 secondary addresses (0..30, NI-VISA form) are probed at
// (primary, secondary); each one that answers is reported as
// `GPIB<board>::<primary>::<secondary>::INSTR`, catching VXI modules
// sitting behind a command module such as the HP E1406A.
func Discover(drv driver, board int) ([]visa.ResourceID, error) {
	var found []visa.ResourceID

	for primary := minAddr; primary <= maxAddr; primary++ {
		present, err := drv.Listen(board, primary, noSecondary)
		if err != nil {
			return found, err
		}
		if present {
			found = append(found, visa.ResourceID{
				Scheme:    visa.SchemeGPIB,
				Board:     board,
				Primary:   primary,
				Secondary: noSecondary,
			})
			continue
		}

		for secondary := minAddr; secondary <= maxAddr; secondary++ {
			present, err := drv.Listen(board, primary, secondary)
			if err != nil {
				return found, err
			}
			if present {
				found = append(found, visa.ResourceID{
					Scheme:    visa.SchemeGPIB,
					Board:     board,
					Primary:   primary,
					Secondary: secondary,
				})
			}
		}
	}

	return found, nil
}
