package coopcore

// simulateCrash stops background workers without the final journal flush (for testing).
func (n *Node) simulateCrash() {
	n.mu.Lock()
	var c = n.coordinator
	n.coordinator = nil
	n.mu.Unlock()

	if c != nil && c.cancel != nil {
		c.cancel()
		c.workers.Wait()
	}
}
