package ecs

// Instance is a read-only snapshot of one ECS instance as returned by
// DescribeInstances. The generated SDK types are converted away once per
// fetch so that the filter pipeline and its tests don't depend on them.
type Instance struct {
	ID               string
	ZoneID           string
	Status           string
	SecurityGroupIDs []string

	// PrivateIPs holds the VPC private addresses of the instance. It is nil
	// for classic-network instances, which have no VPC attributes at all.
	PrivateIPs []string

	// PublicIP is the elastic IP bound to the instance, or empty if none.
	PublicIP string

	// Tags preserves the order the API returned them in.
	Tags []Tag
}

// Tag is a single instance tag key/value pair.
type Tag struct {
	Key   string
	Value string
}

// TagValue returns the value of the tag with the given key.
func (i *Instance) TagValue(key string) (string, bool) {
	for _, tag := range i.Tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}
