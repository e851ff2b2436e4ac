package loadbalance

import (
	"math/rand/v2"

	"peer-rpc/registry"
)

type WeightedRandomBalancer struct{}

// Pick 按权重随机选择; 所有权重都 <= 0 时退化为均匀随机
func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
