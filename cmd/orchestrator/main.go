// Command orchestrator runs the simulation orchestration core: it accepts
// simulation nodes, dispatches simulations onto them and brokers telemetry
// and control traffic between clients and running simulations.
package main

func main() {
	Execute()
}
