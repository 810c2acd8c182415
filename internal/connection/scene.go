package connection

// SceneLoader is told which scene the lifecycle expects. Loading itself
// happens elsewhere.
type SceneLoader interface {
	LoadMenu()
	LoadGameplay()
}

// NopSceneLoader ignores scene requests.
type NopSceneLoader struct{}

func (NopSceneLoader) LoadMenu()     {}
func (NopSceneLoader) LoadGameplay() {}
