package cmd

import "fmt"

// ClientNotFoundError indicates a registry lookup for an unknown client.
type ClientNotFoundError struct {
	ID string
}

func (e *ClientNotFoundError) Error() string {
	return fmt.Sprintf("client %s not found in registry", e.ID)
}

// EndpointSelectionError signals contradictory endpoint flags.
type EndpointSelectionError struct {
	Flags []string
}

func (e *EndpointSelectionError) Error() string {
	switch len(e.Flags) {
	case 0:
		return "no broker endpoint selected"
	case 1:
		return fmt.Sprintf("flag --%s leaves no broker endpoint to scan", e.Flags[0])
	}
	return fmt.Sprintf("flags --%s and --%s cannot be combined", e.Flags[0], e.Flags[1])
}
