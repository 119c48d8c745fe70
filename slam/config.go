package slam

// Config is the full covimesh configuration file
type Config struct {
	Graph      GraphConfig   `yaml:"graph" json:"graph"`
	Solver     SolverConfig  `yaml:"solver" json:"solver"`
	Camera     CameraConfig  `yaml:"camera" json:"camera"`
	Pyramid    PyramidConfig `yaml:"pyramid" json:"pyramid"`
	MQTT       MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Simulation SceneConfig   `yaml:"simulation" json:"simulation"`
}

// GraphConfig tunes the covisibility graph
type GraphConfig struct {
	MinCovisibilityWeight uint32 `yaml:"minCovisibilityWeight" json:"minCovisibilityWeight"`
}

// SolverConfig tunes Sim3 RANSAC
type SolverConfig struct {
	FixScale      bool  `yaml:"fixScale" json:"fixScale"`
	MinInliers    int   `yaml:"minInliers" json:"minInliers"`
	MaxIterations int   `yaml:"maxIterations" json:"maxIterations"`
	Seed          int64 `yaml:"seed" json:"seed"` // 0 seeds from the clock
}

// CameraConfig selects and parameterizes the camera model
type CameraConfig struct {
	Model      string    `yaml:"model" json:"model"` // perspective, fisheye, equirectangular
	Cols       int       `yaml:"cols" json:"cols"`
	Rows       int       `yaml:"rows" json:"rows"`
	Fx         float64   `yaml:"fx" json:"fx"`
	Fy         float64   `yaml:"fy" json:"fy"`
	Cx         float64   `yaml:"cx" json:"cx"`
	Cy         float64   `yaml:"cy" json:"cy"`
	Distortion []float64 `yaml:"distortion,omitempty" json:"distortion,omitempty"`
}

// PyramidConfig describes the feature scale pyramid
type PyramidConfig struct {
	Levels      int     `yaml:"levels" json:"levels"`
	ScaleFactor float64 `yaml:"scaleFactor" json:"scaleFactor"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SceneConfig parameterizes the synthetic scene
type SceneConfig struct {
	Keyframes int   `yaml:"keyframes" json:"keyframes"` // total keyframes including the revisit
	Revisit   int   `yaml:"revisit" json:"revisit"`     // trailing keyframes that revisit the start
	Landmarks int   `yaml:"landmarks" json:"landmarks"`
	Seed      int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{MinCovisibilityWeight: 15},
		Solver: SolverConfig{
			MinInliers:    20,
			MaxIterations: 200,
		},
		Camera: CameraConfig{
			Model: "perspective",
			Cols:  640,
			Rows:  480,
			Fx:    500,
			Fy:    500,
			Cx:    320,
			Cy:    240,
		},
		Pyramid: PyramidConfig{Levels: 8, ScaleFactor: 1.2},
		MQTT: MQTTConfig{
			PublishPrefix: "covimesh",
			ClientID:      "covimesh",
		},
		Simulation: SceneConfig{
			Keyframes: 40,
			Revisit:   4,
			Landmarks: 600,
			Seed:      1,
		},
	}
}
