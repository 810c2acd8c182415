package connection

// Transition is one legal edge of the state machine.
type Transition struct {
	From  StateID
	To    StateID
	Event string
}

// Transitions is the complete transition table. Manager refuses any
// change of state that is not listed here.
var Transitions = []Transition{
	{Offline, ClientConnecting, "start client (ip or session)"},
	{Offline, StartingHost, "start host or server (ip or session)"},

	{ClientConnecting, ClientConnected, "client connected"},
	{ClientConnecting, Offline, "connect failed, denied, shutdown requested or transport failure"},

	{ClientConnected, ClientReconnecting, "disconnected without reason or host shutting down"},
	{ClientConnected, Offline, "disconnected with reason, shutdown requested or transport failure"},

	{ClientReconnecting, ClientConnected, "client connected"},
	{ClientReconnecting, DisconnectingWithReason, "final disconnect reason received"},
	{ClientReconnecting, Offline, "attempts exhausted, shutdown requested or transport failure"},

	{DisconnectingWithReason, Offline, "client disconnected or shutdown requested"},

	{StartingHost, Hosting, "server started"},
	{StartingHost, ServerListening, "dedicated server started"},
	{StartingHost, Offline, "start failed, shutdown requested or transport failure"},

	{Hosting, Offline, "shutdown requested, server stopped, local client lost or transport failure"},
	{ServerListening, Offline, "shutdown requested, server stopped or transport failure"},
}

var transitionIndex = func() map[[2]StateID]Transition {
	m := make(map[[2]StateID]Transition, len(Transitions))
	for _, t := range Transitions {
		m[[2]StateID{t.From, t.To}] = t
	}
	return m
}()

// TransitionFor returns the table entry for from -> to.
func TransitionFor(from, to StateID) (Transition, bool) {
	t, ok := transitionIndex[[2]StateID{from, to}]
	return t, ok
}
